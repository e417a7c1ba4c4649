package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disaster-relay/dispatch"
	"disaster-relay/gate"
	"disaster-relay/observability"
	"disaster-relay/pkg/relay"
	"disaster-relay/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFeeds struct {
	mu       sync.Mutex
	quake    relay.SeismicEvent
	tsunami  relay.TsunamiAdvisory
	alert    relay.AlertEntry
	empty    bool
	fetchErr error
	onFetch  func()

	quakeCalls   atomic.Int32
	tsunamiCalls atomic.Int32
	alertCalls   atomic.Int32
}

func (f *fakeFeeds) result() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	return !f.empty, f.fetchErr
}

func (f *fakeFeeds) LatestQuake(context.Context) (relay.SeismicEvent, bool, error) {
	f.quakeCalls.Add(1)
	ok, err := f.result()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quake, ok, err
}

func (f *fakeFeeds) LatestTsunami(context.Context) (relay.TsunamiAdvisory, bool, error) {
	f.tsunamiCalls.Add(1)
	ok, err := f.result()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tsunami, ok, err
}

func (f *fakeFeeds) LatestAlert(context.Context) (relay.AlertEntry, bool, error) {
	f.alertCalls.Add(1)
	ok, err := f.result()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alert, ok, err
}

func (f *fakeFeeds) setQuake(ev relay.SeismicEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quake = ev
}

type fakeMarks struct {
	mu      sync.Mutex
	marks   map[relay.FeedKind]string
	writes  int
	failErr error
}

func newFakeMarks() *fakeMarks {
	return &fakeMarks{marks: make(map[relay.FeedKind]string)}
}

func (m *fakeMarks) Watermark(kind relay.FeedKind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[kind]
}

func (m *fakeMarks) SetWatermark(_ context.Context, kind relay.FeedKind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.marks[kind] = id
	m.writes++
	return nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (d *recordingDispatcher) FanOut(_ context.Context, msg relay.Message) dispatch.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return dispatch.Report{Destinations: 1, Sent: 1}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type noSubscribers struct{}

func (noSubscribers) Subscribers() map[string]relay.Subscriber { return nil }

type harness struct {
	feeds   *fakeFeeds
	marks   *fakeMarks
	disp    *recordingDispatcher
	gate    *gate.Gate
	metrics *observability.Metrics
}

func newHarness() *harness {
	return &harness{
		feeds: &fakeFeeds{
			quake:   relay.SeismicEvent{ID: "q1", Epicenter: "能登半島沖", Magnitude: 6.1, OriginTime: "2024/01/01 16:10:00", Lat: 37.5, Lon: 137.2},
			tsunami: relay.TsunamiAdvisory{ID: "t1", Warnings: []relay.TsunamiWarning{{Area: "石川県能登", Grade: "MajorWarning", Immediate: true}}},
			alert:   relay.AlertEntry{ID: "a1", Title: "ミサイル発射情報", Summary: "建物の中に避難してください。"},
		},
		marks:   newFakeMarks(),
		disp:    &recordingDispatcher{},
		gate:    gate.New(),
		metrics: observability.NewMetricsForTesting(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Gate:       h.gate,
		Watermarks: h.marks,
		Dispatcher: h.disp,
		Metrics:    h.metrics,
		Logger:     discardLogger(),
	}
}

func mustWatcher[T any](t *testing.T, src Source[T], deps Deps) *Watcher[T] {
	t.Helper()
	w, err := New(src, deps)
	require.NoError(t, err)
	return w
}

func TestSeismic_DuplicateDispatchedOnce(t *testing.T) {
	h := newHarness()
	w := mustWatcher(t, SeismicSource(h.feeds, noSubscribers{}, time.Second), h.deps())
	ctx := context.Background()

	assert.Equal(t, observability.OutcomeDispatched, w.Tick(ctx))
	assert.Equal(t, observability.OutcomeDuplicate, w.Tick(ctx))

	assert.Equal(t, 1, h.disp.count())
	assert.Equal(t, 1, h.marks.writes)
	assert.Equal(t, "q1", h.marks.Watermark(relay.FeedSeismic))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WatermarkWrites.WithLabelValues("seismic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Polls.WithLabelValues("seismic", observability.OutcomeDuplicate)))

	h.feeds.setQuake(relay.SeismicEvent{ID: "q2", Magnitude: 4.0})
	assert.Equal(t, observability.OutcomeDispatched, w.Tick(ctx))
	assert.Equal(t, 2, h.disp.count())
	assert.Equal(t, "q2", h.marks.Watermark(relay.FeedSeismic))
}

func TestSeismic_ExistingWatermarkSuppressesDispatch(t *testing.T) {
	h := newHarness()
	h.marks.marks[relay.FeedSeismic] = "q1"
	w := mustWatcher(t, SeismicSource(h.feeds, noSubscribers{}, time.Second), h.deps())

	assert.Equal(t, observability.OutcomeDuplicate, w.Tick(context.Background()))
	assert.Zero(t, h.disp.count())
	assert.Zero(t, h.marks.writes)
}

func TestGateSuspended_NoFetchNoDispatch(t *testing.T) {
	h := newHarness()
	h.gate.Suspend()
	deps := h.deps()
	ctx := context.Background()

	seismic := mustWatcher(t, SeismicSource(h.feeds, noSubscribers{}, time.Second), deps)
	tsunami := mustWatcher(t, TsunamiSource(h.feeds, time.Second, true), deps)
	alert := mustWatcher(t, AlertSource(h.feeds, time.Second), deps)

	for range 3 {
		assert.Equal(t, observability.OutcomeSuspended, seismic.Tick(ctx))
		assert.Equal(t, observability.OutcomeSuspended, tsunami.Tick(ctx))
		assert.Equal(t, observability.OutcomeSuspended, alert.Tick(ctx))
	}

	assert.Zero(t, h.feeds.quakeCalls.Load())
	assert.Zero(t, h.feeds.tsunamiCalls.Load())
	assert.Zero(t, h.feeds.alertCalls.Load())
	assert.Zero(t, h.disp.count())
	assert.Zero(t, h.marks.writes)

	h.gate.Resume()
	assert.Equal(t, observability.OutcomeDispatched, seismic.Tick(ctx))
	assert.Equal(t, observability.OutcomeDispatched, tsunami.Tick(ctx))
	assert.Equal(t, observability.OutcomeDispatched, alert.Tick(ctx))
	assert.Equal(t, 3, h.disp.count())
}

func TestGateClosedDuringFetch_DropsItem(t *testing.T) {
	h := newHarness()
	h.feeds.onFetch = func() { h.gate.Suspend() }
	w := mustWatcher(t, AlertSource(h.feeds, time.Second), h.deps())

	assert.Equal(t, observability.OutcomeSuspended, w.Tick(context.Background()))
	assert.Zero(t, h.disp.count())
}

func TestFetchError_Swallowed(t *testing.T) {
	h := newHarness()
	h.feeds.fetchErr = errors.New("connection refused")
	w := mustWatcher(t, SeismicSource(h.feeds, noSubscribers{}, time.Second), h.deps())

	assert.Equal(t, observability.OutcomeFetchError, w.Tick(context.Background()))
	assert.Zero(t, h.disp.count())
	assert.Empty(t, h.marks.Watermark(relay.FeedSeismic))

	h.feeds.fetchErr = nil
	assert.Equal(t, observability.OutcomeDispatched, w.Tick(context.Background()))
}

func TestEmptyFeed_NoData(t *testing.T) {
	h := newHarness()
	h.feeds.empty = true
	w := mustWatcher(t, AlertSource(h.feeds, time.Second), h.deps())

	assert.Equal(t, observability.OutcomeNoData, w.Tick(context.Background()))
	assert.Zero(t, h.disp.count())
}

func TestWatermarkWriteFailure_AbortsDispatch(t *testing.T) {
	h := newHarness()
	h.marks.failErr = errors.New("disk full")
	w := mustWatcher(t, SeismicSource(h.feeds, noSubscribers{}, time.Second), h.deps())

	assert.Equal(t, observability.OutcomeStoreError, w.Tick(context.Background()))
	assert.Zero(t, h.disp.count())

	h.marks.failErr = nil
	assert.Equal(t, observability.OutcomeDispatched, w.Tick(context.Background()))
	assert.Equal(t, 1, h.disp.count())
}

func TestTsunami_RepeatToggle(t *testing.T) {
	tests := []struct {
		name   string
		repeat bool
		want   int
	}{
		{name: "repeat re-sends every poll", repeat: true, want: 3},
		{name: "no repeat sends once per advisory", repeat: false, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			w := mustWatcher(t, TsunamiSource(h.feeds, time.Second, tt.repeat), h.deps())
			for range 3 {
				w.Tick(context.Background())
			}
			assert.Equal(t, tt.want, h.disp.count())
			assert.Zero(t, h.marks.writes, "tsunami feed has no persisted watermark")
		})
	}
}

func TestTsunami_CancelledSkipped(t *testing.T) {
	h := newHarness()
	h.feeds.tsunami.Cancelled = true
	w := mustWatcher(t, TsunamiSource(h.feeds, time.Second, true), h.deps())

	assert.Equal(t, observability.OutcomeSkipped, w.Tick(context.Background()))
	assert.Zero(t, h.disp.count())
}

func TestAlert_WatermarkSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)

	h := newHarness()
	reg, err := storage.Load(ctx, backend, discardLogger())
	require.NoError(t, err)
	deps := h.deps()
	deps.Watermarks = reg

	w := mustWatcher(t, AlertSource(h.feeds, time.Second), deps)
	require.Equal(t, observability.OutcomeDispatched, w.Tick(ctx))

	restarted, err := storage.Load(ctx, backend, discardLogger())
	require.NoError(t, err)
	deps.Watermarks = restarted
	w = mustWatcher(t, AlertSource(h.feeds, time.Second), deps)

	assert.Equal(t, observability.OutcomeDuplicate, w.Tick(ctx))
	assert.Equal(t, 1, h.disp.count())
}

func TestRun_TicksImmediatelyThenOnInterval(t *testing.T) {
	h := newHarness()
	h.feeds.empty = true
	clock := clockwork.NewFakeClock()
	deps := h.deps()
	deps.Clock = clock
	w := mustWatcher(t, SeismicSource(h.feeds, noSubscribers{}, DefaultSeismicInterval), deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.feeds.quakeCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(DefaultSeismicInterval - time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.feeds.quakeCalls.Load())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.feeds.quakeCalls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness()

	_, err := New(SeismicSource(h.feeds, noSubscribers{}, 0), h.deps())
	assert.Error(t, err)

	deps := h.deps()
	deps.Watermarks = nil
	_, err = New(AlertSource(h.feeds, time.Second), deps)
	assert.Error(t, err)

	_, err = New(TsunamiSource(h.feeds, time.Second, true), deps)
	assert.NoError(t, err, "tsunami watcher needs no watermark store")
}
