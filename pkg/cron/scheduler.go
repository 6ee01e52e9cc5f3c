// Package cron turns schedule triggers into a FIFO queue drained by a single
// worker, recording every run in the schedule history.
package cron

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/archive"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/mail"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/metrics"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/report"
)

// Runner produces the report for one run
type Runner interface {
	Generate(ctx context.Context, jobID, trigger string, layout *model.Layout) (*report.Outcome, error)
}

// Store is the persistence the engine needs
type Store interface {
	GetSchedule(id string) (*model.Schedule, error)
	SaveSchedule(s *model.Schedule) error
	ListSchedules() ([]*model.Schedule, error)
	GetLayout(id string) (*model.Layout, error)
}

// Config tunes the engine
type Config struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	AllowedDomains []string      `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	return c
}

// QueueState is a snapshot of the queue
type QueueState struct {
	Queued  []string `json:"queued"`
	Running string   `json:"running,omitempty"`
}

type queuedRun struct {
	scheduleID string
	queuedAt   time.Time
}

// Scheduler owns the triggers, the queue and the worker
type Scheduler struct {
	store    Store
	runner   Runner
	mailer   mail.Sink
	archiver archive.Archiver
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
	cron     *cron.Cron
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	queue   []queuedRun
	pending map[string]struct{}
	running string

	// docMu serializes read-modify-write cycles on schedule documents
	docMu sync.Mutex

	work     chan queuedRun
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMailer enables notifications
func WithMailer(m mail.Sink) Option {
	return func(s *Scheduler) { s.mailer = m }
}

// WithArchiver keeps artifacts of scheduled runs
func WithArchiver(a archive.Archiver) Option {
	return func(s *Scheduler) { s.archiver = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler instance; call Start to run it
func NewScheduler(st Store, runner Runner, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		runner:  runner,
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
		pending: make(map[string]struct{}),
		work:    make(chan queuedRun),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithParser(triggerParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

// MailConfigured reports whether notifications can be delivered
func (s *Scheduler) MailConfigured() bool {
	return s.mailer != nil
}

// Start registers triggers for all active schedules, the queue tick and the
// worker goroutine
func (s *Scheduler) Start() error {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	for _, sc := range schedules {
		dirty := false
		if interrupted := s.closeInterrupted(sc); interrupted > 0 {
			s.logger.Warn("marked interrupted runs", zap.String("schedule_id", sc.ID), zap.Int("count", interrupted))
			dirty = true
		}
		if sc.Status == model.ScheduleActive {
			if err := s.Activate(sc); err != nil {
				s.logger.Error("schedule not activated", zap.String("schedule_id", sc.ID), zap.Error(err))
			} else {
				dirty = true
			}
		}
		if dirty {
			if err := s.store.SaveSchedule(sc); err != nil {
				s.logger.Error("failed to save schedule", zap.String("schedule_id", sc.ID), zap.Error(err))
			}
		}
	}

	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("failed to add queue tick: %w", err)
	}

	s.startWorker()
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Int("schedules", len(schedules)),
		zap.Int("active", s.activeCount()),
		zap.Duration("tick", s.cfg.TickInterval))
	return nil
}

// closeInterrupted turns queued or started entries left by a previous process
// into errors
func (s *Scheduler) closeInterrupted(sc *model.Schedule) int {
	n := 0
	for i := range sc.History {
		switch sc.History[i].Status {
		case model.RunQueued, model.RunStarted:
			sc.History[i].Status = model.RunError
			sc.History[i].Message = "Interrupted by restart"
			n++
		}
	}
	return n
}

func (s *Scheduler) startWorker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.worker()
}

// Stop removes all triggers and waits for the current run to finish, up to ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Validate checks everything activation needs apart from the status
func (s *Scheduler) Validate(sc *model.Schedule) error {
	if strings.TrimSpace(sc.LayoutRef) == "" {
		return fmt.Errorf("%w: schedule needs a layout", model.ErrInvalidConfig)
	}
	if err := ValidateSchedule(sc); err != nil {
		return err
	}
	return model.ValidateNotification(sc.Notification, s.MailConfigured(), s.cfg.AllowedDomains)
}

// Activate (re)registers the trigger of an active schedule and recomputes
// its next run. The caller persists the schedule.
func (s *Scheduler) Activate(sc *model.Schedule) error {
	if sc.Status != model.ScheduleActive {
		return fmt.Errorf("%w: schedule %s is not active", model.ErrInvalidConfig, sc.ID)
	}
	if err := s.Validate(sc); err != nil {
		return err
	}

	id := sc.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	entryID, err := s.cron.AddFunc(triggerSpec(sc), func() {
		if _, err := s.Trigger(id); err != nil {
			s.logger.Error("trigger failed", zap.String("schedule_id", id), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}
	s.entries[id] = entryID

	next := CalculateNextRun(sc, s.now())
	sc.NextRun = &next
	s.logger.Info("schedule activated",
		zap.String("schedule_id", id),
		zap.String("cron", sc.EffectiveCron()),
		zap.String("timezone", sc.Location().String()),
		zap.Time("next_run", next))
	return nil
}

// Deactivate removes the trigger. Runs already queued still execute.
func (s *Scheduler) Deactivate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
		s.logger.Info("schedule deactivated", zap.String("schedule_id", id))
	}
}

// Sync aligns the trigger with the schedule status: active schedules are
// activated, anything else is deactivated
func (s *Scheduler) Sync(sc *model.Schedule) error {
	if sc.Status == model.ScheduleActive {
		return s.Activate(sc)
	}
	s.Deactivate(sc.ID)
	sc.NextRun = nil
	return nil
}

// IsActive reports whether a trigger is registered for id
func (s *Scheduler) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// RunNow queues a schedule outside its cron trigger
func (s *Scheduler) RunNow(id string) (bool, error) {
	if _, err := s.store.GetSchedule(id); err != nil {
		return false, err
	}
	return s.Trigger(id)
}

// Trigger appends id to the queue unless it is already waiting. It returns
// false for a deduplicated trigger, which leaves the history untouched.
func (s *Scheduler) Trigger(id string) (bool, error) {
	queuedAt := s.now().UTC()

	s.mu.Lock()
	if _, dup := s.pending[id]; dup {
		s.mu.Unlock()
		s.logger.Debug("schedule already queued", zap.String("schedule_id", id))
		return false, nil
	}
	s.pending[id] = struct{}{}
	s.queue = append(s.queue, queuedRun{scheduleID: id, queuedAt: queuedAt})
	depth := len(s.queue)
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)

	err := s.mutate(id, func(sc *model.Schedule) {
		if _, ok := sc.FindHistory(queuedAt); !ok {
			sc.AppendHistory(model.HistoryEntry{Timestamp: queuedAt, Status: model.RunQueued, Message: "Queued"})
		}
	})
	if err != nil {
		return true, fmt.Errorf("record queued run: %w", err)
	}
	s.logger.Info("schedule queued", zap.String("schedule_id", id), zap.Int("queue_depth", depth))
	return true, nil
}

// State returns a snapshot of the queue
func (s *Scheduler) State() QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := QueueState{Queued: make([]string, 0, len(s.queue)), Running: s.running}
	for _, q := range s.queue {
		st.Queued = append(st.Queued, q.scheduleID)
	}
	return st
}

// tick hands at most one queued run to the worker when it is idle
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running != "" || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.pending, next.scheduleID)
	s.running = next.scheduleID
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	s.metrics.SetRunning(true)

	select {
	case s.work <- next:
	case <-s.stop:
		s.release()
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = ""
	s.mu.Unlock()
	s.metrics.SetRunning(false)
}

func (s *Scheduler) worker() {
	defer close(s.done)
	for {
		select {
		case run := <-s.work:
			s.execute(run)
		case <-s.stop:
			return
		}
	}
}

// execute runs one queued run. It always releases the running slot and
// never lets a panic escape.
func (s *Scheduler) execute(run queuedRun) {
	log := s.logger.With(zap.String("schedule_id", run.scheduleID), zap.Time("queued_at", run.queuedAt))
	jobID := uuid.NewString()
	entry := model.HistoryEntry{Timestamp: run.queuedAt, JobID: jobID}

	defer s.release()
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduled run panicked", zap.Any("panic", r))
			entry.Status = model.RunError
			entry.Message = fmt.Sprintf("internal error: %v", r)
			s.finalize(run, entry, log)
		}
	}()

	entry.Status = model.RunStarted
	entry.Message = "Running"
	if err := s.mutate(run.scheduleID, func(sc *model.Schedule) { sc.UpdateHistory(entry) }); err != nil {
		log.Error("scheduled run dropped", zap.Error(err))
		return
	}

	entry = s.runOnce(run, entry, jobID, log)
	s.finalize(run, entry, log)
}

func (s *Scheduler) runOnce(run queuedRun, entry model.HistoryEntry, jobID string, log *zap.Logger) model.HistoryEntry {
	sc, err := s.store.GetSchedule(run.scheduleID)
	if err != nil {
		return failed(entry, err)
	}
	layout, err := s.store.GetLayout(sc.LayoutRef)
	if err != nil {
		return failed(entry, fmt.Errorf("load layout %s: %w", sc.LayoutRef, err))
	}
	if sc.ServerRef != "" {
		layout.ServerRef = sc.ServerRef
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	log.Info("scheduled run started", zap.String("job_id", jobID), zap.String("layout_id", layout.ID))
	out, err := s.runner.Generate(ctx, jobID, "schedule", layout)
	if err != nil {
		return failed(entry, err)
	}

	entry.Status = model.RunCompleted
	entry.Message = fmt.Sprintf("Report generated (%d pages)", out.Document.Pages)
	entry.Bytes = int64(out.Document.Len())
	entry.Pages = out.Document.Pages
	entry.Checksum = out.Checksum

	if s.archiver != nil {
		ref, err := s.archiver.Put(ctx, archive.Key(sc.ID, run.queuedAt), out.Document.Bytes())
		if err != nil {
			log.Error("archive failed", zap.Error(err))
			entry.Message += "; archive failed: " + err.Error()
		} else {
			entry.ArtifactRef = ref
		}
	}

	if sc.Notification.Enabled {
		entry.Notification = s.notify(ctx, sc, layout, run.queuedAt, out, log)
	}
	return entry
}

func failed(entry model.HistoryEntry, err error) model.HistoryEntry {
	entry.Status = model.RunError
	entry.Message = err.Error()
	return entry
}

// finalize writes the terminal history entry and moves lastRun and nextRun
func (s *Scheduler) finalize(run queuedRun, entry model.HistoryEntry, log *zap.Logger) {
	finished := s.now().UTC()
	entry.FinishedAt = &finished

	err := s.mutate(run.scheduleID, func(sc *model.Schedule) {
		sc.UpdateHistory(entry)
		started := run.queuedAt
		sc.LastRun = &started
		if sc.Status == model.ScheduleActive {
			next := CalculateNextRun(sc, finished)
			sc.NextRun = &next
		}
	})
	if err != nil {
		log.Error("failed to record run outcome", zap.Error(err))
		return
	}
	log.Info("scheduled run finished", zap.String("status", string(entry.Status)), zap.String("message", entry.Message))
}

func (s *Scheduler) notify(ctx context.Context, sc *model.Schedule, layout *model.Layout, startedAt time.Time, out *report.Outcome, log *zap.Logger) *model.NotificationOutcome {
	if s.mailer == nil {
		return &model.NotificationOutcome{Error: mail.ErrNotConfigured.Error()}
	}

	tr := layout.EffectiveTimeRange()
	vars := map[string]string{
		"schedule.name":   sc.Name,
		"dashboard.title": layout.Name,
		"layout.name":     layout.Name,
		"timerange":       fmt.Sprintf("%s to %s", tr.From, tr.To),
		"run.started_at":  startedAt.In(sc.Location()).Format(time.RFC1123),
	}
	subject := sc.Notification.Subject
	if subject == "" {
		subject = "Report: {{schedule.name}}"
	}
	body := sc.Notification.Body
	if body == "" {
		body = "Please find attached the report {{schedule.name}} for {{timerange}}."
	}

	err := s.mailer.Send(ctx, mail.Message{
		Recipients: sc.Notification.Recipients,
		Subject:    mail.InterpolateTemplate(subject, vars),
		Body:       mail.InterpolateTemplate(body, vars),
		Filename:   ReportFilename(sc.Name, startedAt),
		Attachment: out.Document.Bytes(),
	})
	s.metrics.ObserveNotification(s.mailer.Name(), err)
	if err != nil {
		log.Warn("notification failed", zap.Error(err))
		return &model.NotificationOutcome{Error: err.Error()}
	}
	log.Info("notification sent", zap.Int("recipients", sc.Notification.Recipients.Count()))
	return &model.NotificationOutcome{Sent: true}
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ReportFilename is the attachment and download name of a run
func ReportFilename(name string, at time.Time) string {
	base := strings.Trim(unsafeFilename.ReplaceAllString(name, "-"), "-")
	if base == "" {
		base = "report"
	}
	return fmt.Sprintf("%s-%s.pdf", base, at.UTC().Format("2006-01-02-150405"))
}

// mutate loads, changes and saves one schedule under docMu
func (s *Scheduler) mutate(id string, fn func(sc *model.Schedule)) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	sc, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	fn(sc)
	return s.store.SaveSchedule(sc)
}

// Update applies fn to a stored schedule under the same lock the worker
// uses, so API edits never lose history written by a run
func (s *Scheduler) Update(id string, fn func(sc *model.Schedule) error) (*model.Schedule, error) {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	sc, err := s.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sc); err != nil {
		return nil, err
	}
	if err := s.store.SaveSchedule(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// ErrRunning is returned when removing the schedule that is executing
var ErrRunning = errors.New("schedule is running")

// Remove deactivates id and drops it from the queue. Removing the running
// schedule fails with ErrRunning.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == id {
		return ErrRunning
	}
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		kept := s.queue[:0]
		for _, q := range s.queue {
			if q.scheduleID != id {
				kept = append(kept, q)
			}
		}
		s.queue = kept
	}
	return nil
}
