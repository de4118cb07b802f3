package bus

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-h-/orgloop-sub002/pkg/event"
)

func TestWALBus_PublishPersistsBeforeAck(t *testing.T) {
	dir := t.TempDir()
	b, err := NewWALBus(dir, 64)
	require.NoError(t, err)

	ev := event.New("s1", event.TypeResourceChanged, nil, map[string]any{"n": 1})
	require.NoError(t, b.Publish(context.Background(), ev))

	data, err := os.ReadFile(filepath.Join(dir, walLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), ev.ID, "record on disk before any subscriber ran")
	assert.True(t, strings.HasPrefix(string(data), "1\t"))
}

func TestWALBus_DeliverAndAckAdvancesCursor(t *testing.T) {
	dir := t.TempDir()
	b, err := NewWALBus(dir, 64)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Delivery
	b.Subscribe(func(_ context.Context, d Delivery) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		d.Ack()
	})
	require.NoError(t, b.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), event.New("s1", event.TypeResourceChanged, nil, nil)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.Cursor() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 3, b.Cursor())
	require.NoError(t, b.Stop(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, walCursorName))
	require.NoError(t, err)
	cursor, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cursor)
}

func TestWALBus_ReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()

	// First incarnation publishes two events; nothing acks them.
	b1, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	ev1 := event.New("s1", event.TypeResourceChanged, nil, map[string]any{"n": 1})
	ev2 := event.New("s1", event.TypeMessageReceived, nil, map[string]any{"n": 2})
	require.NoError(t, b1.Publish(context.Background(), ev1))
	require.NoError(t, b1.Publish(context.Background(), ev2))
	// Simulated crash: no Stop, no acks.

	b2, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	c := &collector{}
	b2.Subscribe(c.handler)
	require.NoError(t, b2.Start(context.Background()))

	waitCount(t, c, 2)
	assert.Equal(t, []string{ev1.ID, ev2.ID}, c.ids(), "replay preserves order")
	require.NoError(t, b2.Stop(context.Background()))
}

func TestWALBus_AckedEventsNotReplayed(t *testing.T) {
	dir := t.TempDir()

	b1, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	c1 := &collector{}
	b1.Subscribe(c1.handler) // acks everything
	require.NoError(t, b1.Start(context.Background()))

	acked := event.New("s1", event.TypeResourceChanged, nil, nil)
	require.NoError(t, b1.Publish(context.Background(), acked))
	waitCount(t, c1, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b1.Cursor() < 1 {
		time.Sleep(5 * time.Millisecond)
	}

	// Publish one more without a chance to ack, then "crash".
	unacked := event.New("s1", event.TypeResourceChanged, nil, nil)
	b1.Subscribe(func(_ context.Context, d Delivery) {}) // no-op, no ack
	require.NoError(t, b1.Stop(context.Background()))
	b2, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	require.NoError(t, b2.Publish(context.Background(), unacked))

	b3cursor := b2.Cursor()
	require.NoError(t, b2.Stop(context.Background()))

	b3, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	c3 := &collector{}
	b3.Subscribe(c3.handler)
	require.NoError(t, b3.Start(context.Background()))

	waitCount(t, c3, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{unacked.ID}, c3.ids(), "only unacked events replay")
	assert.GreaterOrEqual(t, b3.Cursor(), b3cursor)
	require.NoError(t, b3.Stop(context.Background()))
}

func TestWALBus_TruncatesWhenFullyAcked(t *testing.T) {
	dir := t.TempDir()
	b, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	c := &collector{}
	b.Subscribe(c.handler)
	require.NoError(t, b.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), event.New("s1", event.TypeResourceChanged, nil, nil)))
	}
	waitCount(t, c, 5)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.Cursor() < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, b.Stop(context.Background()))

	info, err := os.Stat(filepath.Join(dir, walLogName))
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "fully acked log truncated")
}

func TestWALBus_CapacityBound(t *testing.T) {
	b, err := NewWALBus(t.TempDir(), 2)
	require.NoError(t, err)
	// No subscriber acks, so unacked count only grows.

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, event.New("s1", event.TypeResourceChanged, nil, nil)))
	require.NoError(t, b.Publish(ctx, event.New("s1", event.TypeResourceChanged, nil, nil)))
	err = b.Publish(ctx, event.New("s1", event.TypeResourceChanged, nil, nil))
	assert.ErrorIs(t, err, ErrBusFull)
}

func TestWALBus_MalformedRecordsSkipped(t *testing.T) {
	dir := t.TempDir()
	b1, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	good := event.New("s1", event.TypeResourceChanged, nil, nil)
	require.NoError(t, b1.Publish(context.Background(), good))
	require.NoError(t, b1.Stop(context.Background()))

	// Corrupt the tail of the log, as a crash mid-append would.
	logPath := filepath.Join(dir, walLogName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2\t{\"id\":\"evt_trunc")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	c := &collector{}
	b2.Subscribe(c.handler)
	require.NoError(t, b2.Start(context.Background()))

	waitCount(t, c, 1)
	assert.Equal(t, []string{good.ID}, c.ids())
	require.NoError(t, b2.Stop(context.Background()))
}

func TestWALBus_HealthTracksUnacked(t *testing.T) {
	b, err := NewWALBus(t.TempDir(), 64)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), event.New("s1", event.TypeResourceChanged, nil, nil)))
	}
	h := b.Health()
	assert.Equal(t, 3, h.Depth)
	assert.EqualValues(t, 3, h.LastSeq)
	assert.Zero(t, h.Cursor)

	b.Ack(1)
	b.Ack(2)
	b.Ack(3)
	h = b.Health()
	assert.Zero(t, h.Depth)
	assert.EqualValues(t, 3, h.Cursor)
}

func TestWALBus_CursorWaitsForEverySubscriber(t *testing.T) {
	dir := t.TempDir()
	b, err := NewWALBus(dir, 64)
	require.NoError(t, err)

	acking := &collector{}
	b.Subscribe(acking.handler)
	silent := &collector{}
	b.Subscribe(func(_ context.Context, d Delivery) {
		silent.mu.Lock()
		silent.events = append(silent.events, d.Event)
		silent.mu.Unlock()
		// Never acks.
	})
	require.NoError(t, b.Start(context.Background()))

	ev := event.New("s1", event.TypeResourceChanged, nil, nil)
	require.NoError(t, b.Publish(context.Background(), ev))
	waitCount(t, acking, 1)
	waitCount(t, silent, 1)
	assert.Zero(t, b.Cursor(), "one subscriber's ack must not advance the cursor for all")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	// After a restart the unconfirmed record replays.
	b2, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	c := &collector{}
	b2.Subscribe(c.handler)
	require.NoError(t, b2.Start(context.Background()))
	waitCount(t, c, 1)
	assert.Equal(t, []string{ev.ID}, c.ids())

	require.NoError(t, b2.Stop(ctx))
	assert.EqualValues(t, 1, b2.Cursor())
}

func TestWALBus_ReplayBacklogLargerThanCapacity(t *testing.T) {
	dir := t.TempDir()
	b, err := NewWALBus(dir, 64)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), event.New("s1", event.TypeResourceChanged, nil, nil)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	// Reopened with a capacity smaller than the unacked backlog.
	b2, err := NewWALBus(dir, 2)
	require.NoError(t, err)
	c := &collector{}
	b2.Subscribe(c.handler)
	require.NoError(t, b2.Start(context.Background()))
	waitCount(t, c, 5)

	require.NoError(t, b2.Stop(ctx))
	assert.EqualValues(t, 5, b2.Cursor())
}
