package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/event"
)

const (
	walLogName    = "events.log"
	walCursorName = "cursor"
)

// WALBus is the durable bus variant. Every publish appends a record to
// the write-ahead log and fsyncs before acknowledging the caller.
// Each subscriber's delivery carries an Ack; the persisted cursor
// advances once every subscriber has confirmed a record. On restart,
// records past the cursor are replayed, giving every subscriber
// at-least-once delivery across crashes.
//
// A single dispatch goroutine preserves publish order for all sources.
// The log is truncated once every record up to the tail is acked.
type WALBus struct {
	dir      string
	capacity int

	mu      sync.Mutex // guards log append, cursor, ack state
	logFile *os.File
	lastSeq uint64
	cursor  uint64
	acked   map[uint64]bool

	queue  chan walRecord
	subMu  sync.RWMutex
	subs   map[int]Handler
	nextID int

	closed bool
	wg     sync.WaitGroup
}

type walRecord struct {
	Seq   uint64
	Event *event.Event
}

// NewWALBus opens (or creates) the WAL under dir, typically
// <state_dir>/wal. Capacity bounds the number of unacked records; at
// the bound, publishes fail with ErrBusFull until acks catch up.
func NewWALBus(dir string, capacity int) (*WALBus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating wal dir: %w", err)
	}
	if capacity < 1 {
		capacity = 1024
	}

	b := &WALBus{
		dir:      dir,
		capacity: capacity,
		acked:    make(map[uint64]bool),
		queue:    make(chan walRecord, capacity),
		subs:     make(map[int]Handler),
	}

	if err := b.loadCursor(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(b.logPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening wal log: %w", err)
	}
	b.logFile = f

	return b, nil
}

// Subscribe implements Bus.
func (b *WALBus) Subscribe(h Handler) func() {
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// Start replays unacked records from the log, then begins dispatching.
func (b *WALBus) Start(ctx context.Context) error {
	replayed, err := b.replay()
	if err != nil {
		return err
	}
	if replayed > 0 {
		slog.Info("wal replay queued unacked events", "count", replayed, "cursor", b.cursor)
	}

	b.wg.Add(1)
	go b.dispatch(ctx)
	slog.Info("wal bus started", "dir", b.dir, "last_seq", b.lastSeq)
	return nil
}

// Publish implements Bus: append, fsync, then enqueue for dispatch.
// The caller gets an error only if the record did not reach disk or
// the unacked bound is hit.
func (b *WALBus) Publish(_ context.Context, ev *event.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.lastSeq-b.cursor >= uint64(b.capacity) {
		b.mu.Unlock()
		return ErrBusFull
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}

	seq := b.lastSeq + 1
	line := strconv.FormatUint(seq, 10) + "\t" + string(data) + "\n"
	if _, err := b.logFile.WriteString(line); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("appending to wal: %w", err)
	}
	if err := b.logFile.Sync(); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("syncing wal: %w", err)
	}
	b.lastSeq = seq

	// The unacked bound guarantees queue space, and holding the lock
	// keeps the send ordered before any concurrent Stop closes the
	// queue.
	b.queue <- walRecord{Seq: seq, Event: ev}
	b.mu.Unlock()
	return nil
}

// Stop rejects further publishes and waits for the dispatcher.
func (b *WALBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.logFile.Close(); err != nil {
		return fmt.Errorf("closing wal log: %w", err)
	}
	slog.Info("wal bus stopped", "cursor", b.cursor, "last_seq", b.lastSeq)
	return nil
}

// Ack marks seq complete for every subscriber and advances the
// persisted cursor over every contiguous acked record. The dispatch
// loop calls it once all per-subscriber shares are released. The
// cursor write is fsynced before the log is considered for truncation.
func (b *WALBus) Ack(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq <= b.cursor {
		return
	}
	b.acked[seq] = true

	advanced := false
	for b.acked[b.cursor+1] {
		delete(b.acked, b.cursor+1)
		b.cursor++
		advanced = true
	}
	if !advanced {
		return
	}

	if err := b.persistCursor(); err != nil {
		slog.Error("failed to persist wal cursor", "cursor", b.cursor, "error", err)
		return
	}

	if b.cursor == b.lastSeq && !b.closed {
		if err := b.truncate(); err != nil {
			slog.Warn("failed to truncate wal", "error", err)
		}
	}
}

// Cursor returns the last acked, persisted sequence number.
func (b *WALBus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Health implements Bus. Depth is the unacked record count.
func (b *WALBus) Health() Health {
	b.mu.Lock()
	cursor, lastSeq := b.cursor, b.lastSeq
	b.mu.Unlock()
	b.subMu.RLock()
	subscribers := len(b.subs)
	b.subMu.RUnlock()

	return Health{
		Kind:        config.BusKindWAL,
		Depth:       int(lastSeq - cursor),
		Capacity:    b.capacity,
		Subscribers: subscribers,
		Cursor:      cursor,
		LastSeq:     lastSeq,
	}
}

func (b *WALBus) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for rec := range b.queue {
		b.subMu.RLock()
		handlers := make([]Handler, 0, len(b.subs))
		for _, h := range b.subs {
			handlers = append(handlers, h)
		}
		b.subMu.RUnlock()

		// No subscribers: the record stays unacked and replays once a
		// subscriber exists after a restart.
		if len(handlers) == 0 {
			continue
		}

		// The cursor may only advance once every subscriber confirmed
		// this record; each handler's Ack releases its own share.
		seq := rec.Seq
		pending := int64(len(handlers))
		for _, h := range handlers {
			var once sync.Once
			d := Delivery{
				Event: rec.Event,
				Seq:   seq,
				ack: func() {
					once.Do(func() {
						if atomic.AddInt64(&pending, -1) == 0 {
							b.Ack(seq)
						}
					})
				},
			}
			h(ctx, d)
		}
	}
}

// replay scans the log for records past the cursor and queues them.
func (b *WALBus) replay() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.logPath())
	if err != nil {
		return 0, fmt.Errorf("opening wal for replay: %w", err)
	}
	defer f.Close()

	var records []walRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		seqStr, payload, found := strings.Cut(line, "\t")
		if !found {
			slog.Warn("skipping malformed wal record", "line_prefix", truncateStr(line, 40))
			continue
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			slog.Warn("skipping wal record with bad sequence", "seq", seqStr)
			continue
		}
		if seq > b.lastSeq {
			b.lastSeq = seq
		}
		if seq <= b.cursor {
			continue
		}

		var ev event.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("skipping undecodable wal record", "seq", seq, "error", err)
			continue
		}
		records = append(records, walRecord{Seq: seq, Event: &ev})
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning wal: %w", err)
	}

	// A backlog left by a run with a larger capacity must not wedge
	// startup: grow the queue to hold it plus new publishes.
	if len(records) > cap(b.queue) {
		b.queue = make(chan walRecord, len(records)+b.capacity)
	}
	for _, rec := range records {
		b.queue <- rec
	}
	return len(records), nil
}

func (b *WALBus) loadCursor() error {
	data, err := os.ReadFile(b.cursorPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading wal cursor: %w", err)
	}
	cursor, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing wal cursor: %w", err)
	}
	b.cursor = cursor
	b.lastSeq = cursor
	return nil
}

// persistCursor writes the cursor via temp-file + fsync + rename.
func (b *WALBus) persistCursor() error {
	tmp, err := os.CreateTemp(b.dir, ".cursor-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(strconv.FormatUint(b.cursor, 10)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, b.cursorPath())
}

// truncate resets the log once everything is acked. The cursor was
// already fsynced, so losing the truncated records is safe.
func (b *WALBus) truncate() error {
	if err := b.logFile.Truncate(0); err != nil {
		return err
	}
	if _, err := b.logFile.Seek(0, 0); err != nil {
		return err
	}
	return b.logFile.Sync()
}

func (b *WALBus) logPath() string    { return filepath.Join(b.dir, walLogName) }
func (b *WALBus) cursorPath() string { return filepath.Join(b.dir, walCursorName) }

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
