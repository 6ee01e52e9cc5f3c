package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/progress"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x * 40), B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeAPI struct{}

func (fakeAPI) GetVersion(ctx context.Context, ref string) (string, error) { return "11.1.0", nil }
func (fakeAPI) SwitchOrganization(ctx context.Context, ref string, orgID int64) error {
	return nil
}
func (fakeAPI) BuildPanelURL(ref string, t capture.Target) (string, error) {
	return fmt.Sprintf("http://grafana/d-solo/%s?panelId=%d", t.DashboardUID, t.PanelID), nil
}
func (fakeAPI) AuthHeaders(ctx context.Context, ref string) (map[string]string, error) {
	return map[string]string{}, nil
}

type fakeSurface struct {
	img    []byte
	fail   bool
	mu     sync.Mutex
	calls  int
	before func()
}

func (f *fakeSurface) Capture(ctx context.Context, req capture.Request) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.before != nil {
		f.before()
	}
	if f.fail {
		return nil, errors.New("timeout waiting for panel")
	}
	return f.img, nil
}

type templates map[string]*model.Template

func (m templates) GetTemplate(id string) (*model.Template, error) {
	if t, ok := m[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("template %s: %w", id, model.ErrNotFound)
}

type layouts map[string]*model.Layout

func (m layouts) GetLayout(id string) (*model.Layout, error) {
	if l, ok := m[id]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("layout %s: %w", id, model.ErrNotFound)
}

func testLayout() *model.Layout {
	return &model.Layout{
		ID: "l1", Rows: 2, Columns: 2, ServerRef: "main",
		Panels: []model.PanelRef{
			{DashboardUID: "d", PanelID: 1, X: 0, Y: 0, W: 1, H: 1},
			{DashboardUID: "d", PanelID: 2, X: 1, Y: 0, W: 1, H: 1},
		},
	}
}

func newGenerator(t *testing.T, surface *fakeSurface, opts ...GeneratorOption) (*Generator, *progress.Store) {
	t.Helper()
	store := progress.NewStore()
	o := capture.New(fakeAPI{}, surface)
	return NewGenerator(o, store, templates{}, opts...), store
}

func TestGenerateCompletesJob(t *testing.T) {
	g, store := newGenerator(t, &fakeSurface{img: testPNG(t)})

	out, err := g.Generate(context.Background(), "job-1", "adhoc", testLayout())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Document.Pages)
	assert.Equal(t, 2, out.Panels)
	assert.Equal(t, "11.1.0", out.Version)

	sum := sha256.Sum256(out.Document.Bytes())
	assert.Equal(t, hex.EncodeToString(sum[:]), out.Checksum)

	job, ok := store.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, 100, job.Percentage)
	assert.Equal(t, "main", job.ServerRef)
	assert.True(t, job.HasResult)

	artifact, ok := store.Artifact("job-1")
	require.True(t, ok)
	assert.True(t, bytes.HasPrefix(artifact, []byte("%PDF")))

	var pcts []int
	for _, r := range job.History {
		pcts = append(pcts, r.Percentage)
	}
	assert.Equal(t, []int{25, 50, 75, 100}, pcts)
}

func TestGenerateRecordsCaptureFailure(t *testing.T) {
	g, store := newGenerator(t, &fakeSurface{fail: true})

	_, err := g.Generate(context.Background(), "job-2", "adhoc", testLayout())
	var ce *capture.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(1), ce.PanelID)

	job, _ := store.Get("job-2")
	assert.NotEmpty(t, job.Error)
	assert.True(t, job.Terminal())
	_, ok := store.Artifact("job-2")
	assert.False(t, ok)
}

func TestGenerateCancelledBeforeCapture(t *testing.T) {
	surface := &fakeSurface{img: testPNG(t)}
	g, store := newGenerator(t, surface)
	store.Ensure("job-3")
	require.True(t, store.Cancel("job-3"))

	_, err := g.Generate(context.Background(), "job-3", "adhoc", testLayout())
	assert.ErrorIs(t, err, capture.ErrCancelled)
	assert.Zero(t, surface.calls)

	job, _ := store.Get("job-3")
	assert.Equal(t, progress.Cancelled, job.Percentage)
	assert.Empty(t, job.Error)
	require.Len(t, job.History, 1)
}

func TestTemplateResolution(t *testing.T) {
	custom := model.DefaultTemplate()
	custom.ID = "custom"
	custom.Header.Title = "Ops"

	g := NewGenerator(nil, progress.NewStore(), templates{"custom": custom})

	l := testLayout()
	tpl, err := g.template(l)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTemplateID, tpl.ID)

	l.TemplateRef = "custom"
	tpl, err = g.template(l)
	require.NoError(t, err)
	assert.Equal(t, "Ops", tpl.Header.Title)

	l.TemplateRef = "gone"
	_, err = g.template(l)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestGenerateRejectsGarbledTemplate(t *testing.T) {
	bad := model.DefaultTemplate()
	bad.ID = "bad"
	bad.Page.Orientation = "diagonal"

	store := progress.NewStore()
	surface := &fakeSurface{img: testPNG(t)}
	g := NewGenerator(capture.New(fakeAPI{}, surface), store, templates{"bad": bad})

	l := testLayout()
	l.TemplateRef = "bad"
	_, err := g.Generate(context.Background(), "job-4", "adhoc", l)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
	assert.Zero(t, surface.calls)
}

type failingLogos struct{}

func (failingLogos) FetchLogo(ctx context.Context, ref string) ([]byte, error) {
	return nil, errors.New("404")
}

func TestLogoFailureDoesNotFailReport(t *testing.T) {
	withLogo := model.DefaultTemplate()
	withLogo.Header.LogoRef = "https://example.com/logo.png"

	store := progress.NewStore()
	g := NewGenerator(capture.New(fakeAPI{}, &fakeSurface{img: testPNG(t)}), store,
		templates{model.DefaultTemplateID: withLogo}, WithLogoFetcher(failingLogos{}))

	_, err := g.Generate(context.Background(), "job-5", "adhoc", testLayout())
	require.NoError(t, err)
}

// cancellingLogos cancels the job while the header logo is being fetched
type cancellingLogos struct {
	store *progress.Store
	id    string
}

func (c cancellingLogos) FetchLogo(ctx context.Context, ref string) ([]byte, error) {
	c.store.Cancel(c.id)
	return nil, errors.New("aborted")
}

func TestGenerateCancelledAfterCapture(t *testing.T) {
	withLogo := model.DefaultTemplate()
	withLogo.Header.LogoRef = "https://example.com/logo.png"

	store := progress.NewStore()
	surface := &fakeSurface{img: testPNG(t)}
	g := NewGenerator(capture.New(fakeAPI{}, surface), store,
		templates{model.DefaultTemplateID: withLogo},
		WithLogoFetcher(cancellingLogos{store: store, id: "job-6"}))

	out, err := g.Generate(context.Background(), "job-6", "adhoc", testLayout())
	assert.ErrorIs(t, err, capture.ErrCancelled)
	assert.Nil(t, out)
	assert.Equal(t, 2, surface.calls)

	job, _ := store.Get("job-6")
	assert.True(t, job.Cancelled)
	assert.Equal(t, progress.Cancelled, job.Percentage)
	require.NotEmpty(t, job.History)
	last := job.History[len(job.History)-1]
	assert.Equal(t, progress.Cancelled, last.Percentage)
	assert.Equal(t, "cancelled", last.Message)
	assert.False(t, job.HasResult)
	_, ok := store.Artifact("job-6")
	assert.False(t, ok)
}

func TestHTTPLogoFetcher(t *testing.T) {
	img := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	f := NewHTTPLogoFetcher(time.Second)
	got, err := f.FetchLogo(context.Background(), srv.URL+"/logo.png")
	require.NoError(t, err)
	assert.Equal(t, img, got)

	_, err = f.FetchLogo(context.Background(), srv.URL+"/missing.png")
	assert.ErrorContains(t, err, "status 404")

	got, err = f.FetchLogo(context.Background(), "data:image/png;base64,"+base64.StdEncoding.EncodeToString(img))
	require.NoError(t, err)
	assert.Equal(t, img, got)

	_, err = f.FetchLogo(context.Background(), "data:image/png,raw")
	assert.Error(t, err)

	_, err = f.FetchLogo(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestServiceStart(t *testing.T) {
	g, store := newGenerator(t, &fakeSurface{img: testPNG(t)})
	l := testLayout()
	svc := NewService(g, layouts{"l1": l}, time.Minute, nil)
	defer svc.Shutdown(context.Background())

	_, err := svc.Start(&model.Layout{Rows: 0, Columns: 1})
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = svc.StartLayout("nope")
	assert.ErrorIs(t, err, model.ErrNotFound)

	id, err := svc.StartLayout("l1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		job, ok := store.Get(id)
		return ok && job.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	job, _ := store.Get(id)
	assert.Equal(t, 100, job.Percentage)
}

func TestServiceCancel(t *testing.T) {
	release := make(chan struct{})
	surface := &fakeSurface{img: testPNG(t)}
	g, store := newGenerator(t, surface)
	svc := NewService(g, layouts{}, time.Minute, nil)
	defer svc.Shutdown(context.Background())

	started := make(chan struct{})
	var once sync.Once
	surface.before = func() {
		once.Do(func() { close(started) })
		<-release
	}

	id, err := svc.Start(testLayout())
	require.NoError(t, err)
	<-started
	assert.True(t, svc.Cancel(id))
	close(release)

	require.Eventually(t, func() bool {
		job, _ := store.Get(id)
		return job.Percentage == progress.Cancelled
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := store.Artifact(id)
	assert.False(t, ok)
}
