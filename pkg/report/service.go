package report

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// Layouts resolves layouts by id
type Layouts interface {
	GetLayout(id string) (*model.Layout, error)
}

// Service starts ad-hoc report jobs. Ad-hoc jobs run concurrently with each
// other and with the schedule worker.
type Service struct {
	generator *Generator
	layouts   Layouts
	timeout   time.Duration
	logger    *zap.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a Service. timeout bounds each job; zero means 10 minutes.
func NewService(g *Generator, layouts Layouts, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		generator: g,
		layouts:   layouts,
		timeout:   timeout,
		logger:    logger.Named("adhoc"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartLayout validates and starts a job for a stored layout
func (s *Service) StartLayout(layoutID string) (string, error) {
	layout, err := s.layouts.GetLayout(layoutID)
	if err != nil {
		return "", err
	}
	return s.Start(layout)
}

// Start validates layout synchronously and runs the job in the background.
// The returned id addresses the job in the progress store.
func (s *Service) Start(layout *model.Layout) (string, error) {
	if err := model.ValidateLayout(layout); err != nil {
		return "", err
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	s.generator.Progress().Ensure(jobID)
	s.logger.Info("ad-hoc report started", zap.String("job_id", jobID), zap.Int("panels", len(layout.Panels)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("ad-hoc report panicked", zap.String("job_id", jobID), zap.Any("panic", r))
				s.generator.Progress().Fail(jobID, panicError{r})
			}
		}()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		_, _ = s.generator.Generate(ctx, jobID, "adhoc", layout)
	}()

	return jobID, nil
}

// Cancel requests cancellation of a running job
func (s *Service) Cancel(jobID string) bool {
	return s.generator.Progress().Cancel(jobID)
}

// Shutdown aborts running jobs and waits for them, up to ctx
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
