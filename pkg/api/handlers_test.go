package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/archive"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/grafana"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/metrics"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/progress"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/report"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/store"
)

var fakePDF = []byte("%PDF-1.3 fake")

type fakeReports struct {
	progress *progress.Store
	layouts  Documents
	seq      int32
	hold     bool
}

func (f *fakeReports) StartLayout(id string) (string, error) {
	l, err := f.layouts.GetLayout(id)
	if err != nil {
		return "", err
	}
	return f.Start(l)
}

func (f *fakeReports) Start(l *model.Layout) (string, error) {
	if err := model.ValidateLayout(l); err != nil {
		return "", err
	}
	id := fmt.Sprintf("job-%d", atomic.AddInt32(&f.seq, 1))
	f.progress.Ensure(id)
	if !f.hold {
		f.progress.Complete(id, fakePDF, "Report generated")
	}
	return id, nil
}

func (f *fakeReports) Cancel(id string) bool { return f.progress.Cancel(id) }

type noRunner struct{}

func (noRunner) Generate(ctx context.Context, jobID, trigger string, layout *model.Layout) (*report.Outcome, error) {
	return nil, errors.New("not in this test")
}

type fakeDashboards struct {
	lastRef string
}

func (f *fakeDashboards) Servers() []grafana.Server {
	return []grafana.Server{{ID: "main", URL: "http://grafana:3000", Default: true}}
}

func (f *fakeDashboards) check(ref string) error {
	f.lastRef = ref
	if ref != "" && ref != "main" {
		return fmt.Errorf("%w: %q", grafana.ErrUnknownServer, ref)
	}
	return nil
}

func (f *fakeDashboards) Health(ctx context.Context, ref string) (*grafana.Health, error) {
	if err := f.check(ref); err != nil {
		return nil, err
	}
	return &grafana.Health{Database: "ok", Version: "11.2.0"}, nil
}

func (f *fakeDashboards) ListOrganizations(ctx context.Context, ref string) ([]grafana.Organization, error) {
	if err := f.check(ref); err != nil {
		return nil, err
	}
	return []grafana.Organization{{ID: 1, Name: "Main Org."}}, nil
}

func (f *fakeDashboards) ListDashboards(ctx context.Context, ref string, orgID int64) ([]grafana.Dashboard, error) {
	if err := f.check(ref); err != nil {
		return nil, err
	}
	return []grafana.Dashboard{{UID: "abc", Title: fmt.Sprintf("Org %d overview", orgID)}}, nil
}

func (f *fakeDashboards) ListPanels(ctx context.Context, ref, uid string) ([]grafana.Panel, error) {
	if err := f.check(ref); err != nil {
		return nil, err
	}
	return []grafana.Panel{{ID: 2, Title: "CPU", Type: "timeseries"}}, nil
}

type testEnv struct {
	h          *Handler
	store      *store.Store
	progress   *progress.Store
	reports    *fakeReports
	scheduler  *cron.Scheduler
	dashboards *fakeDashboards
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.EnsureDefaultTemplate()
	require.NoError(t, err)

	p := progress.NewStore()
	reports := &fakeReports{progress: p, layouts: st}
	sched := cron.NewScheduler(st, noRunner{}, cron.Config{})
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	dash := &fakeDashboards{}

	h := NewHandler(Deps{
		Store:      st,
		Reports:    reports,
		Progress:   p,
		Scheduler:  sched,
		Dashboards: dash,
		Archiver:   archive.NewDatabase(st),
		Metrics:    metrics.New(),
		Version:    "test",
	}, nil, WithPollInterval(5*time.Millisecond))

	return &testEnv{h: h, store: st, progress: p, reports: reports, scheduler: sched, dashboards: dash}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[ErrorResponse](t, rec).Error.Code
}

func testLayout() *model.Layout {
	return &model.Layout{
		Name: "Nodes", Rows: 2, Columns: 2,
		Panels: []model.PanelRef{{DashboardUID: "abc", PanelID: 2, W: 1, H: 1}},
	}
}

func (e *testEnv) createLayout(t *testing.T) *model.Layout {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/layouts", testLayout())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decode[model.Layout](t, rec)
	require.NotEmpty(t, l.ID)
	return &l
}

func TestLayoutEndpoints(t *testing.T) {
	env := newTestEnv(t)

	bad := testLayout()
	bad.Rows = 0
	rec := env.do(t, http.MethodPost, "/api/layouts", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	missingTpl := testLayout()
	missingTpl.TemplateRef = "nope"
	rec = env.do(t, http.MethodPost, "/api/layouts", missingTpl)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	offGrid := testLayout()
	offGrid.Panels[0].X = 1
	offGrid.Panels[0].W = 2
	rec = env.do(t, http.MethodPost, "/api/layouts", offGrid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	l := env.createLayout(t)

	rec = env.do(t, http.MethodGet, "/api/layouts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]model.Layout](t, rec)
	assert.Len(t, list["layouts"], 1)

	l.Name = "Renamed"
	rec = env.do(t, http.MethodPut, "/api/layouts/"+l.ID, l)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Renamed", decode[model.Layout](t, rec).Name)

	rec = env.do(t, http.MethodGet, "/api/layouts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = env.do(t, http.MethodDelete, "/api/layouts/"+l.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/layouts/"+l.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplateEndpoints(t *testing.T) {
	env := newTestEnv(t)

	tpl := model.DefaultTemplate()
	tpl.Name = "Branded"
	tpl.Header.Title = "Ops"
	rec := env.do(t, http.MethodPost, "/api/templates", tpl)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.Template](t, rec)
	assert.NotEqual(t, model.DefaultTemplateID, created.ID)

	created.Page.Orientation = "diagonal"
	rec = env.do(t, http.MethodPut, "/api/templates/"+created.ID, created)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/templates", nil)
	list := decode[map[string][]model.Template](t, rec)
	assert.Len(t, list["templates"], 2)

	rec = env.do(t, http.MethodDelete, "/api/templates/"+model.DefaultTemplateID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// still referenced by a layout
	l := testLayout()
	l.TemplateRef = created.ID
	rec = env.do(t, http.MethodPost, "/api/layouts", l)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[model.Layout](t, rec)

	rec = env.do(t, http.MethodDelete, "/api/templates/"+created.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	rec = env.do(t, http.MethodDelete, "/api/layouts/"+saved.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/templates/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	l := env.createLayout(t)

	rec := env.do(t, http.MethodPost, "/api/schedules", model.Schedule{
		Name: "Morning", CronExpression: "0 6 * * *", Timezone: "UTC", LayoutRef: l.ID, Status: model.ScheduleActive,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sc := decode[model.Schedule](t, rec)
	require.NotNil(t, sc.NextRun)
	assert.Equal(t, 6, sc.NextRun.Hour())
	assert.True(t, env.scheduler.IsActive(sc.ID))

	// the layout is still referenced
	rec = env.do(t, http.MethodDelete, "/api/layouts/"+l.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/schedules/"+sc.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, rec)["queued"])

	rec = env.do(t, http.MethodGet, "/api/health/queue", nil)
	assert.Equal(t, []string{sc.ID}, decode[cron.QueueState](t, rec).Queued)

	rec = env.do(t, http.MethodGet, "/api/schedules/"+sc.ID+"/history", nil)
	history := decode[map[string][]model.HistoryEntry](t, rec)["history"]
	require.Len(t, history, 1)
	assert.Equal(t, model.RunQueued, history[0].Status)

	sc.Status = model.ScheduleInactive
	sc.Name = "Morning (paused)"
	rec = env.do(t, http.MethodPut, "/api/schedules/"+sc.ID, sc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[model.Schedule](t, rec)
	assert.Nil(t, updated.NextRun)
	assert.Len(t, updated.History, 1, "history survives edits")
	assert.False(t, env.scheduler.IsActive(sc.ID))

	rec = env.do(t, http.MethodDelete, "/api/schedules/"+sc.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.scheduler.State().Queued)

	rec = env.do(t, http.MethodGet, "/api/schedules/"+sc.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	l := env.createLayout(t)

	tests := []struct {
		name string
		sc   model.Schedule
	}{
		{"unknown layout", model.Schedule{LayoutRef: "ghost", IntervalType: "daily"}},
		{"bad cron", model.Schedule{LayoutRef: l.ID, CronExpression: "every day"}},
		{"bad status", model.Schedule{LayoutRef: l.ID, IntervalType: "daily", Status: "paused"}},
		{"mail without backend", model.Schedule{
			LayoutRef: l.ID, IntervalType: "daily",
			Notification: model.NotificationConfig{Enabled: true, Recipients: model.Recipients{To: []string{"a@example.com"}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/schedules", tt.sc)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, http.MethodPost, "/api/schedules/ghost/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleArtifact(t *testing.T) {
	env := newTestEnv(t)
	l := env.createLayout(t)

	ref, err := archive.NewDatabase(env.store).Put(context.Background(), "schedules/s1/run.pdf", fakePDF)
	require.NoError(t, err)
	ts := time.Date(2025, 10, 15, 6, 0, 0, 0, time.UTC)
	require.NoError(t, env.store.SaveSchedule(&model.Schedule{
		ID: "s1", Name: "Morning report", LayoutRef: l.ID, Status: model.ScheduleInactive,
		History: []model.HistoryEntry{{Timestamp: ts, Status: model.RunCompleted, JobID: "j1", ArtifactRef: ref}},
	}))

	rec := env.do(t, http.MethodGet, "/api/schedules/s1/history/j1/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "Morning-report-2025-10-15-060000.pdf")
	assert.Equal(t, fakePDF, rec.Body.Bytes())

	rec = env.do(t, http.MethodGet, "/api/schedules/s1/history/j2/artifact", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	l := env.createLayout(t)

	rec := env.do(t, http.MethodPost, "/api/reports", StartRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/reports", StartRequest{LayoutID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/reports", StartRequest{Layout: &model.Layout{Rows: 1, Columns: 0}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/reports", StartRequest{LayoutID: l.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[map[string]string](t, rec)["jobId"]
	require.NotEmpty(t, jobID)

	rec = env.do(t, http.MethodGet, "/api/reports/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[struct {
		Event ProgressEvent `json:"event"`
	}](t, rec)
	assert.Equal(t, "completed", snap.Event.Status)
	assert.Equal(t, 100, snap.Event.Percentage)

	rec = env.do(t, http.MethodGet, "/api/reports/"+jobID+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fakePDF, rec.Body.Bytes())

	rec = env.do(t, http.MethodDelete, "/api/reports/"+jobID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/reports/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/reports/ghost", nil)
	assert.Equal(t, "initializing", decode[struct {
		Event ProgressEvent `json:"event"`
	}](t, rec).Event.Status)

	rec = env.do(t, http.MethodGet, "/api/reports/ghost/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRunningReport(t *testing.T) {
	env := newTestEnv(t)
	env.reports.hold = true

	rec := env.do(t, http.MethodPost, "/api/reports", StartRequest{Layout: testLayout()})
	jobID := decode[map[string]string](t, rec)["jobId"]

	rec = env.do(t, http.MethodDelete, "/api/reports/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, _ := env.progress.Get(jobID)
	assert.True(t, job.Cancelled)
}

func parseEvents(t *testing.T, body string) []ProgressEvent {
	t.Helper()
	var out []ProgressEvent
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var ev ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func TestReportEventsStreamUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.progress.Ensure("job-s")
	env.progress.Update("job-s", 40, "Capturing panel 1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.progress.Update("job-s", 80, "Composing")
		time.Sleep(30 * time.Millisecond)
		env.progress.Complete("job-s", fakePDF, "Report generated")
	}()

	rec := env.do(t, http.MethodGet, "/api/reports/job-s/events", nil)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseEvents(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, 40, events[0].Percentage)
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, 100, last.Percentage)
	for i := 1; i < len(events); i++ {
		assert.NotEqual(t, events[i-1], events[i], "unchanged samples are not repeated")
	}
}

func TestReportEventsCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.progress.Ensure("job-c")
	require.True(t, env.progress.Cancel("job-c"))

	rec := env.do(t, http.MethodGet, "/api/reports/job-c/events", nil)
	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "cancelled", events[0].Status)
}

func TestDashboardBrowsing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]grafana.Server](t, rec)["servers"], 1)

	rec = env.do(t, http.MethodGet, "/api/servers/default/organizations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", env.dashboards.lastRef)

	rec = env.do(t, http.MethodGet, "/api/servers/main/organizations/2/dashboards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dashboards := decode[map[string][]grafana.Dashboard](t, rec)["dashboards"]
	require.Len(t, dashboards, 1)
	assert.Equal(t, "Org 2 overview", dashboards[0].Title)

	rec = env.do(t, http.MethodGet, "/api/servers/main/organizations/two/dashboards", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/servers/main/dashboards/abc/panels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]grafana.Panel](t, rec)["panels"], 1)

	rec = env.do(t, http.MethodGet, "/api/servers/backup/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServiceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "none", health["mail"])

	rec = env.do(t, http.MethodPost, "/api/mail/test", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reporter_schedule_queue_depth")

	rec = env.do(t, http.MethodGet, "/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = env.do(t, http.MethodPatch, "/api/layouts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/layouts", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallResource(t *testing.T) {
	env := newTestEnv(t)

	var (
		status int
		body   bytes.Buffer
	)
	sender := backend.CallResourceResponseSenderFunc(func(res *backend.CallResourceResponse) error {
		if res.Status != 0 {
			status = res.Status
		}
		body.Write(res.Body)
		return nil
	})

	err := env.h.CallResource(context.Background(), &backend.CallResourceRequest{
		Method: http.MethodGet,
		Path:   "api/servers",
		URL:    "/api/servers",
	}, sender)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body.String(), "grafana:3000")
}
