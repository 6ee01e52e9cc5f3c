package progress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(WithClock(clock.Now)), clock
}

func TestEnsureIsIdempotent(t *testing.T) {
	s, _ := newTestStore()
	s.Ensure("job")
	require.True(t, s.Update("job", 40, "half way"))
	s.Ensure("job")

	job, ok := s.Get("job")
	require.True(t, ok)
	assert.Equal(t, 40, job.Percentage)
	assert.Len(t, job.History, 1)
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s, _ := newTestStore()
	_, ok := s.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Cancel("nope"))
}

func TestUpdateCreatesMissingEntry(t *testing.T) {
	s, _ := newTestStore()
	require.True(t, s.Update("late", 10, "Setup"))

	job, ok := s.Get("late")
	require.True(t, ok)
	assert.Equal(t, 10, job.Percentage)
	assert.Equal(t, "Setup", job.Message)
}

func TestTerminalStateIsSticky(t *testing.T) {
	tests := []struct {
		name   string
		finish func(s *Store)
		want   int
	}{
		{"completed", func(s *Store) { s.Complete("j", []byte("%PDF"), "done") }, 100},
		{"failed", func(s *Store) { s.Fail("j", errors.New("timeout")) }, 33},
		{"cancelled", func(s *Store) { s.Cancel("j"); s.Update("j", Cancelled, "cancelled") }, Cancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore()
			s.Update("j", 33, "Captured panel 1")
			tt.finish(s)

			assert.False(t, s.Update("j", 50, "late emission"))
			assert.False(t, s.Update("j", 0, "restart"))

			job, _ := s.Get("j")
			assert.Equal(t, tt.want, job.Percentage)
			assert.True(t, job.Terminal())
		})
	}
}

func TestCancelledJobAcceptsSingleClosingEmission(t *testing.T) {
	s, _ := newTestStore()
	s.Ensure("j")
	require.True(t, s.Cancel("j"))
	assert.True(t, s.IsCancelled("j"))

	assert.False(t, s.Update("j", 25, "Setup complete"))
	assert.True(t, s.Update("j", Cancelled, "cancelled"))
	assert.False(t, s.Update("j", Cancelled, "cancelled"))

	job, _ := s.Get("j")
	require.Len(t, job.History, 1)
	assert.Equal(t, Cancelled, job.History[0].Percentage)
	assert.False(t, s.Fail("j", errors.New("after cancel")))
}

func TestCancelledEmissionClosesRunningJob(t *testing.T) {
	s, _ := newTestStore()
	s.Update("j", 50, "Captured panel 1/2")

	require.True(t, s.Update("j", Cancelled, "cancelled"))
	assert.True(t, s.IsCancelled("j"))
	assert.False(t, s.Update("j", 75, "Captured panel 2/2"))
	assert.False(t, s.Update("j", Cancelled, "cancelled"))
	assert.False(t, s.Complete("j", []byte("%PDF"), "done"))

	job, _ := s.Get("j")
	assert.True(t, job.Terminal())
	assert.Equal(t, Cancelled, job.Percentage)
	assert.Len(t, job.History, 2)
}

func TestNegativePercentageIsRejected(t *testing.T) {
	s, _ := newTestStore()
	s.Update("j", 20, "Setup complete")

	assert.False(t, s.Update("j", -5, "bogus"))

	job, _ := s.Get("j")
	assert.Equal(t, 20, job.Percentage)
	assert.False(t, job.Cancelled)
	assert.Len(t, job.History, 1)
}

func TestCancelFinishedJobIsRejected(t *testing.T) {
	s, _ := newTestStore()
	s.Complete("j", []byte("x"), "done")
	assert.False(t, s.Cancel("j"))
}

func TestSweepBoundary(t *testing.T) {
	s, clock := newTestStore()
	start := clock.Now()

	s.Update("old", 10, "a")
	clock.Advance(time.Second)
	s.Update("young", 10, "b")

	assert.Equal(t, 0, s.Sweep(start.Add(TTL-time.Nanosecond)))
	assert.Equal(t, 2, s.Len())

	assert.Equal(t, 1, s.Sweep(start.Add(TTL)))
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("young")
	assert.True(t, ok)
}

func TestUpdateSweepsExpiredEntries(t *testing.T) {
	s, clock := newTestStore()
	s.Update("stale", 50, "x")
	clock.Advance(TTL)
	s.Update("fresh", 1, "y")

	_, ok := s.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestArtifactHandOff(t *testing.T) {
	s, _ := newTestStore()
	_, ok := s.Artifact("j")
	assert.False(t, ok)

	s.SetServer("j", "primary")
	require.True(t, s.Complete("j", []byte("%PDF-1.3"), "Report generated"))
	data, ok := s.Artifact("j")
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.3", string(data))

	job, _ := s.Get("j")
	assert.True(t, job.HasResult)
	assert.Equal(t, "primary", job.ServerRef)
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := newTestStore()
	s.Update("j", 10, "a")
	job, _ := s.Get("j")
	job.History[0].Message = "mutated"

	again, _ := s.Get("j")
	assert.Equal(t, "a", again.History[0].Message)
}

func TestConcurrentReadersAndProducer(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			sink := s.SinkFor(id)
			for p := 0; p <= 100; p += 10 {
				sink.Update(p, "step")
				s.Get(id)
				sink.IsCancelled()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		job, ok := s.Get(fmt.Sprintf("job-%d", i))
		require.True(t, ok)
		assert.Equal(t, 100, job.Percentage)
	}
}
