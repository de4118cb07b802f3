package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-h-/orgloop-sub002/pkg/checkpoint"
	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// fakeBus records published events and fails on demand.
type fakeBus struct {
	mu        sync.Mutex
	published []*event.Event
	failAfter int // fail publishes once len(published) reaches this; -1 never
}

func newFakeBus() *fakeBus { return &fakeBus{failAfter: -1} }

func (b *fakeBus) Publish(_ context.Context, ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAfter >= 0 && len(b.published) >= b.failAfter {
		return errors.New("bus is full")
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) events() []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*event.Event(nil), b.published...)
}

// pullPlugin is a scriptable pull source.
type pullPlugin struct {
	poll func(plugin.PollRequest) (plugin.PollResult, error)
}

func (p *pullPlugin) Init(map[string]any) error      { return nil }
func (p *pullPlugin) Shutdown(context.Context) error { return nil }
func (p *pullPlugin) Poll(_ context.Context, req plugin.PollRequest) (plugin.PollResult, error) {
	return p.poll(req)
}

// pushPlugin is a scriptable push source.
type pushPlugin struct {
	methods []string
	handle  func(plugin.PushRequest, http.ResponseWriter) ([]*event.Event, error)
}

func (p *pushPlugin) Init(map[string]any) error      { return nil }
func (p *pushPlugin) Shutdown(context.Context) error { return nil }
func (p *pushPlugin) Methods() []string              { return p.methods }
func (p *pushPlugin) Handle(_ context.Context, req plugin.PushRequest, w http.ResponseWriter) ([]*event.Event, error) {
	return p.handle(req, w)
}

type memRecorder struct {
	mu      sync.Mutex
	records []logging.Record
}

func (r *memRecorder) Record(rec logging.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memRecorder) count(res logging.Result) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Result == res {
			n++
		}
	}
	return n
}

func testCfg() config.SourceConfig {
	return config.SourceConfig{
		ID:              "gh",
		Plugin:          "test",
		PollTimeout:     time.Second,
		InitialLookback: 24 * time.Hour,
	}
}

func evs(n int) []*event.Event {
	out := make([]*event.Event, n)
	for i := range out {
		out[i] = event.New("ignored", event.TypeResourceChanged, nil, map[string]any{"i": i})
	}
	return out
}

func TestPoll_PublishesAndAdvancesCheckpoint(t *testing.T) {
	b := newFakeBus()
	store := checkpoint.NewMemoryStore()
	rec := &memRecorder{}

	src := &pullPlugin{poll: func(req plugin.PollRequest) (plugin.PollResult, error) {
		assert.False(t, req.HasCheckpoint, "first poll is a bootstrap poll")
		assert.Equal(t, 24*time.Hour, req.Lookback)
		return plugin.PollResult{Events: evs(3), Checkpoint: "cursor-1"}, nil
	}}
	d := NewDriver(testCfg(), "m1", src, b, store, rec, nil)

	require.NoError(t, d.Poll(context.Background()))

	got := b.events()
	require.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, "gh", ev.SourceID, "configured source id overrides the plugin's")
		assert.NotEmpty(t, ev.TraceID, "ingress stamps a trace id")
	}
	assert.Equal(t, 3, rec.count(logging.ResultEmitted))

	val, ok, err := store.Get(context.Background(), "gh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cursor-1", val)

	h := d.Health()
	assert.Equal(t, 3, h.LastBatch)
	assert.Equal(t, uint64(3), h.TotalEvents)
	assert.Empty(t, h.LastError)
}

func TestPoll_ReplaysCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "gh", "cursor-9"))

	var seen plugin.PollRequest
	src := &pullPlugin{poll: func(req plugin.PollRequest) (plugin.PollResult, error) {
		seen = req
		return plugin.PollResult{}, nil
	}}
	d := NewDriver(testCfg(), "m1", src, newFakeBus(), store, &memRecorder{}, nil)

	require.NoError(t, d.Poll(context.Background()))
	assert.True(t, seen.HasCheckpoint)
	assert.Equal(t, "cursor-9", seen.Checkpoint)
}

func TestPoll_CheckpointNotAdvancedOnPublishFailure(t *testing.T) {
	b := newFakeBus()
	b.failAfter = 1 // second publish fails
	store := checkpoint.NewMemoryStore()

	src := &pullPlugin{poll: func(plugin.PollRequest) (plugin.PollResult, error) {
		return plugin.PollResult{Events: evs(3), Checkpoint: "cursor-1"}, nil
	}}
	d := NewDriver(testCfg(), "m1", src, b, store, &memRecorder{}, nil)

	err := d.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 accepted")

	_, ok, getErr := store.Get(context.Background(), "gh")
	require.NoError(t, getErr)
	assert.False(t, ok, "checkpoint must not advance when the bus rejected events")
	assert.NotEmpty(t, d.Health().LastError)
}

func TestPoll_EmptyCheckpointNotPersisted(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	src := &pullPlugin{poll: func(plugin.PollRequest) (plugin.PollResult, error) {
		return plugin.PollResult{Events: evs(1)}, nil
	}}
	d := NewDriver(testCfg(), "m1", src, newFakeBus(), store, &memRecorder{}, nil)

	require.NoError(t, d.Poll(context.Background()))
	_, ok, err := store.Get(context.Background(), "gh")
	require.NoError(t, err)
	assert.False(t, ok, "an empty checkpoint means keep the old one")
}

func TestPoll_PluginPanicIsTransient(t *testing.T) {
	src := &pullPlugin{poll: func(plugin.PollRequest) (plugin.PollResult, error) {
		panic("connector bug")
	}}
	d := NewDriver(testCfg(), "m1", src, newFakeBus(), checkpoint.NewMemoryStore(), &memRecorder{}, nil)

	err := d.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, plugin.KindTransient, plugin.Classify(err))
}

func TestPoll_InvalidEventRejected(t *testing.T) {
	b := newFakeBus()
	src := &pullPlugin{poll: func(plugin.PollRequest) (plugin.PollResult, error) {
		bad := event.New("x", event.Type("nonsense"), nil, nil)
		return plugin.PollResult{Events: []*event.Event{bad}, Checkpoint: "c"}, nil
	}}
	store := checkpoint.NewMemoryStore()
	d := NewDriver(testCfg(), "m1", src, b, store, &memRecorder{}, nil)

	require.Error(t, d.Poll(context.Background()))
	assert.Empty(t, b.events())
	_, ok, _ := store.Get(context.Background(), "gh")
	assert.False(t, ok)
}

func TestPoll_NotPollable(t *testing.T) {
	push := &pushPlugin{handle: func(plugin.PushRequest, http.ResponseWriter) ([]*event.Event, error) {
		return nil, nil
	}}
	d := NewDriver(testCfg(), "m1", push, newFakeBus(), checkpoint.NewMemoryStore(), &memRecorder{}, nil)

	assert.False(t, d.Pollable())
	assert.True(t, d.Pushable())
	assert.Error(t, d.Poll(context.Background()))
}

func TestHandlePush_PublishesValidatedEvents(t *testing.T) {
	b := newFakeBus()
	rec := &memRecorder{}
	push := &pushPlugin{handle: func(req plugin.PushRequest, w http.ResponseWriter) ([]*event.Event, error) {
		w.WriteHeader(http.StatusAccepted)
		return evs(2), nil
	}}
	d := NewDriver(testCfg(), "m1", push, b, checkpoint.NewMemoryStore(), rec, nil)

	w := httptest.NewRecorder()
	err := d.HandlePush(context.Background(), plugin.PushRequest{Method: "POST", Path: "/hooks/gh"}, w)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, b.events(), 2)
	assert.Equal(t, 2, rec.count(logging.ResultEmitted))
}

func TestHandlePush_ValidationErrorPropagates(t *testing.T) {
	push := &pushPlugin{handle: func(plugin.PushRequest, http.ResponseWriter) ([]*event.Event, error) {
		return nil, plugin.Validation(errors.New("bad signature"))
	}}
	d := NewDriver(testCfg(), "m1", push, newFakeBus(), checkpoint.NewMemoryStore(), &memRecorder{}, nil)

	err := d.HandlePush(context.Background(), plugin.PushRequest{}, httptest.NewRecorder())
	require.Error(t, err)
	assert.Equal(t, plugin.KindValidation, plugin.Classify(err))
}
