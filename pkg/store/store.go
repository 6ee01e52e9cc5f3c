// Package store persists layouts, templates and schedules as JSON documents
// in SQLite, plus archived report artifacts as BLOBs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// Document kinds
const (
	KindLayout   = "layout"
	KindTemplate = "template"
	KindSchedule = "schedule"
)

// ErrClosed is returned for writes issued after Close
var ErrClosed = errors.New("store is closed")

// Store handles database operations
type Store struct {
	db         *sql.DB
	writeQueue *writeQueue
	logger     *zap.Logger
	now        func() time.Time
}

// NewStore opens (or creates) the database at dbPath
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets readers proceed while the single writer commits
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store.writeQueue = newWriteQueue(store)
	logger.Info("sqlite store ready", zap.String("path", dbPath))

	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kind_created ON documents(kind, created_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			ref TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migration failed: %w", err)
			}
			s.logger.Warn("migration warning ignored", zap.Error(err))
		}
	}
	return nil
}

// putDocumentDirect upserts a document, keeping its original created_at.
// Called only by the write queue.
func (s *Store) putDocumentDirect(p putDocumentParams) error {
	now := s.now().UnixNano()
	_, err := s.db.Exec(`
		INSERT INTO documents (kind, id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		p.kind, p.id, string(p.body), now, now,
	)
	return err
}

func (s *Store) deleteDocumentDirect(p deleteDocumentParams) error {
	res, err := s.db.Exec("DELETE FROM documents WHERE kind = ? AND id = ?", p.kind, p.id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", p.kind, p.id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) putArtifactDirect(p putArtifactParams) error {
	_, err := s.db.Exec(`
		INSERT INTO artifacts (ref, content_type, data, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET content_type = excluded.content_type, data = excluded.data, size = excluded.size`,
		p.ref, p.contentType, p.data, len(p.data), s.now().UnixNano(),
	)
	return err
}

func (s *Store) putDocument(kind, id string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return s.writeQueue.enqueue(opPutDocument, putDocumentParams{kind: kind, id: id, body: body})
}

func (s *Store) getDocument(kind, id string, out interface{}) error {
	var body string
	err := s.db.QueryRow("SELECT body FROM documents WHERE kind = ? AND id = ?", kind, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

func listDocuments[T any](s *Store, kind string) ([]*T, error) {
	rows, err := s.db.Query("SELECT id, body FROM documents WHERE kind = ? ORDER BY created_at, id", kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(body), v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// stamp assigns an id and timestamps before a save
func (s *Store) stamp(id *string, created, updated *time.Time) {
	now := s.now().UTC()
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

// SaveLayout creates or replaces a layout
func (s *Store) SaveLayout(l *model.Layout) error {
	s.stamp(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	return s.putDocument(KindLayout, l.ID, l)
}

// GetLayout returns the layout or an error wrapping model.ErrNotFound
func (s *Store) GetLayout(id string) (*model.Layout, error) {
	l := &model.Layout{}
	if err := s.getDocument(KindLayout, id, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListLayouts returns layouts in creation order
func (s *Store) ListLayouts() ([]*model.Layout, error) {
	return listDocuments[model.Layout](s, KindLayout)
}

// DeleteLayout removes a layout
func (s *Store) DeleteLayout(id string) error {
	return s.writeQueue.enqueue(opDeleteDocument, deleteDocumentParams{kind: KindLayout, id: id})
}

// SaveTemplate creates or replaces a template
func (s *Store) SaveTemplate(t *model.Template) error {
	s.stamp(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	return s.putDocument(KindTemplate, t.ID, t)
}

// GetTemplate returns the template or an error wrapping model.ErrNotFound
func (s *Store) GetTemplate(id string) (*model.Template, error) {
	t := &model.Template{}
	if err := s.getDocument(KindTemplate, id, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTemplates returns templates in creation order
func (s *Store) ListTemplates() ([]*model.Template, error) {
	return listDocuments[model.Template](s, KindTemplate)
}

// DeleteTemplate removes a template
func (s *Store) DeleteTemplate(id string) error {
	return s.writeQueue.enqueue(opDeleteDocument, deleteDocumentParams{kind: KindTemplate, id: id})
}

// EnsureDefaultTemplate stores the built-in template if it is missing
func (s *Store) EnsureDefaultTemplate() (*model.Template, error) {
	t, err := s.GetTemplate(model.DefaultTemplateID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	t = model.DefaultTemplate()
	if err := s.SaveTemplate(t); err != nil {
		return nil, err
	}
	s.logger.Info("created default template", zap.String("template_id", t.ID))
	return t, nil
}

// SaveSchedule creates or replaces a schedule
func (s *Store) SaveSchedule(sc *model.Schedule) error {
	s.stamp(&sc.ID, &sc.CreatedAt, &sc.UpdatedAt)
	return s.putDocument(KindSchedule, sc.ID, sc)
}

// GetSchedule returns the schedule or an error wrapping model.ErrNotFound
func (s *Store) GetSchedule(id string) (*model.Schedule, error) {
	sc := &model.Schedule{}
	if err := s.getDocument(KindSchedule, id, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// ListSchedules returns schedules in creation order
func (s *Store) ListSchedules() ([]*model.Schedule, error) {
	return listDocuments[model.Schedule](s, KindSchedule)
}

// DeleteSchedule removes a schedule
func (s *Store) DeleteSchedule(id string) error {
	return s.writeQueue.enqueue(opDeleteDocument, deleteDocumentParams{kind: KindSchedule, id: id})
}

// PutArtifact stores a finished document under ref
func (s *Store) PutArtifact(ctx context.Context, ref, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeQueue.enqueue(opPutArtifact, putArtifactParams{ref: ref, contentType: contentType, data: data})
}

// GetArtifact loads an archived document
func (s *Store) GetArtifact(ctx context.Context, ref string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := s.db.QueryRowContext(ctx, "SELECT data, content_type FROM artifacts WHERE ref = ?", ref).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("artifact %s: %w", ref, model.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains pending writes and closes the database
func (s *Store) Close() error {
	if s.writeQueue != nil {
		s.writeQueue.shutdown()
	}
	return s.db.Close()
}
