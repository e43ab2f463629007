// Package queue implements the disk-persistent offline queue: envelopes
// produced while the cloud uplink is disconnected are durably buffered
// here, in timestamp order, until the uplink drains them.
//
// Grounded on client/doublezerod/internal/netlink/db.go's crash-safe
// persistence: db.go writes process state to a single file via a
// temp-file-then-rename (itself borrowed from tailscale's atomicfile, per
// its comment), so a crash mid-write never corrupts the saved state. This
// package keeps that exact write pattern but one file per envelope rather
// than one file for the whole store, since entries need independent
// chronological ordering, individual removal on successful upload, and
// independent age/count pruning, none of which a single-file store
// supports. Entries are zstd-compressed (github.com/klauspost/compress)
// before being written, since the target SBC's flash budget is the
// binding constraint for how long a disconnected agent can buffer events.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"

	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/sentryerr"
)

// Key uniquely identifies a queued entry and sorts chronologically as raw
// bytes: an 8-byte big-endian UnixNano timestamp followed by a 16-byte
// UUID to break ties between same-nanosecond entries.
type Key [24]byte

func newKey(ts time.Time, id uuid.UUID) Key {
	var k Key
	binary.BigEndian.PutUint64(k[:8], uint64(ts.UnixNano()))
	copy(k[8:], id[:])
	return k
}

// KeyFor computes the storage key an envelope would be (or was) enqueued
// under, without writing anything. Callers that need to remove an entry
// they didn't themselves just Drain (the cloud client, clearing a live-
// delivered envelope out of the durability queue) use this to build the
// key Remove expects.
func KeyFor(env event.Envelope) Key {
	return newKey(env.Timestamp, env.ID)
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

func (k Key) timestamp() time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
}

// Queue is a directory of zstd-compressed, individually-named envelope
// files, ordered chronologically by filename. Every operation serializes
// through mu: Enqueue (and the prune it runs) is called from the alarm
// engine's goroutine through its Record sinks and from the cloud client's
// goroutine when it requeues, while Drain and Remove run on the cloud
// client's goroutine, and all of them read or rewrite the same directory
// listing.
type Queue struct {
	dir      string
	clock    clockwork.Clock
	maxAge   time.Duration
	maxCount int

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAge discards entries older than d on the next Prune call.
func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) { q.maxAge = d }
}

// WithMaxCount caps the number of retained entries, discarding the oldest
// first on the next Prune call.
func WithMaxCount(n int) Option {
	return func(q *Queue) { q.maxCount = n }
}

// WithClock overrides the queue's clock, for deterministic aging tests.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// Open creates dir if needed and returns a ready Queue.
func Open(dir string, opts ...Option) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("queue: %w: create dir: %v", sentryerr.IO, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("queue: %w: init encoder: %v", sentryerr.IO, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("queue: %w: init decoder: %v", sentryerr.IO, err)
	}
	q := &Queue{
		dir:     dir,
		clock:   clockwork.NewRealClock(),
		encoder: enc,
		decoder: dec,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// Record implements alarm.Recorder, so an Engine can be wired directly to
// a Queue as a durability sink.
func (q *Queue) Record(env event.Envelope) {
	_ = q.Enqueue(context.Background(), env)
}

// Enqueue durably persists env. The write is atomic: a crash or power
// loss either leaves the previous state on disk or the new entry fully
// written, never a partial file. Prune runs after every successful write
// and drops entries oldest timestamp first, so the entry just written is
// kept unless its own timestamp is already past the max age or older than
// every entry the count cap retains.
func (q *Queue) Enqueue(_ context.Context, env event.Envelope) error {
	key := newKey(env.Timestamp, env.ID)
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: %w: marshal envelope: %v", sentryerr.Protocol, err)
	}
	compressed := q.encoder.EncodeAll(raw, nil)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(q.dir, key.String()+".zst"), compressed); err != nil {
		return err
	}
	return q.pruneLocked()
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, syncs it, then renames it into place, matching the pattern in
// client/doublezerod/internal/netlink/db.go.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("queue: %w: open temp file: %v", sentryerr.IO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queue: %w: write temp file: %v", sentryerr.IO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queue: %w: sync temp file: %v", sentryerr.IO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queue: %w: close temp file: %v", sentryerr.IO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("queue: %w: rename temp file: %v", sentryerr.IO, err)
	}
	return nil
}

// Entry pairs a stored envelope with the key needed to remove it once the
// cloud uplink has confirmed delivery.
type Entry struct {
	Key      Key
	Envelope event.Envelope
}

// Drain returns every queued entry in chronological order.
func (q *Queue) Drain() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.sortedNames()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entry, err := q.readEntry(name)
		if err != nil {
			continue // skip a corrupt entry rather than blocking the whole drain
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *Queue) readEntry(name string) (Entry, error) {
	compressed, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return Entry{}, fmt.Errorf("queue: %w: read entry: %v", sentryerr.IO, err)
	}
	raw, err := q.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: %w: decompress entry: %v", sentryerr.IO, err)
	}
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Entry{}, fmt.Errorf("queue: %w: unmarshal entry: %v", sentryerr.Protocol, err)
	}
	var key Key
	hexPart := name[:len(name)-len(".zst")]
	decoded, err := hex.DecodeString(hexPart)
	if err != nil || len(decoded) != len(key) {
		return Entry{}, fmt.Errorf("queue: %w: malformed entry name %q", sentryerr.IO, name)
	}
	copy(key[:], decoded)
	return Entry{Key: key, Envelope: env}, nil
}

// Remove deletes the entry for key, typically after cloud acknowledgment.
func (q *Queue) Remove(key Key) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(key)
}

func (q *Queue) removeLocked(key Key) error {
	path := filepath.Join(q.dir, key.String()+".zst")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: %w: remove entry: %v", sentryerr.IO, err)
	}
	return nil
}

// Clear deletes every queued entry.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.sortedNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: %w: clear entry: %v", sentryerr.IO, err)
		}
	}
	return nil
}

// Prune enforces the configured max age and max entry count, oldest
// entries first.
func (q *Queue) Prune() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pruneLocked()
}

func (q *Queue) pruneLocked() error {
	names, err := q.sortedNames()
	if err != nil {
		return err
	}
	now := q.clock.Now()
	cutoff := 0
	if q.maxAge > 0 {
		for i, name := range names {
			key, err := parseKeyFromName(name)
			if err != nil {
				continue
			}
			if now.Sub(key.timestamp()) <= q.maxAge {
				break
			}
			cutoff = i + 1
		}
	}
	if q.maxCount > 0 && len(names)-cutoff > q.maxCount {
		cutoff = len(names) - q.maxCount
	}
	for _, name := range names[:cutoff] {
		if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: %w: prune entry: %v", sentryerr.IO, err)
		}
	}
	return nil
}

func parseKeyFromName(name string) (Key, error) {
	var key Key
	hexPart := name[:len(name)-len(".zst")]
	decoded, err := hex.DecodeString(hexPart)
	if err != nil || len(decoded) != len(key) {
		return key, fmt.Errorf("queue: malformed entry name %q", name)
	}
	copy(key[:], decoded)
	return key, nil
}

func (q *Queue) sortedNames() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("queue: %w: read dir: %v", sentryerr.IO, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".zst" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.sortedNames()
	if err != nil {
		return 0
	}
	return len(names)
}
