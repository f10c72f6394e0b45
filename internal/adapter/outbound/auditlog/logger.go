// Package auditlog provides the append-only JSON Lines audit logger and its
// in-process query scan. The file is the source of truth: one compact JSON
// object per line, written under a per-logger lock, never rewritten.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/safeai-dev/safeai/internal/domain/audit"
)

// defaultCacheSize bounds the recent-events ring buffer.
const defaultCacheSize = 1000

// EmitCallback observes every event after its line is flushed. Callback
// panics and errors are isolated; they never block writes or propagate to
// the boundary caller.
type EmitCallback func(e audit.Event)

// Logger is the file-backed audit log. Safe for concurrent use within one
// process; cross-process sharing is read-only (queries open the file fresh
// and tolerate a partially-written trailing line).
type Logger struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	sync      bool
	cache     *ringCache
	callbacks []EmitCallback
	logger    *slog.Logger
	closed    bool
}

// Option configures the logger.
type Option func(*Logger)

// WithCacheSize sets the recent-events ring buffer capacity.
func WithCacheSize(n int) Option {
	return func(l *Logger) { l.cache = newRingCache(n) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// New opens (or creates) the audit file for appending.
func New(path string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	l := &Logger{
		path:   path,
		file:   f,
		sync:   true,
		cache:  newRingCache(defaultCacheSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit_log")
	return l, nil
}

// NewStdout returns a logger that writes lines to standard output. Query
// always returns empty (there is no file to scan); Recent still serves from
// the ring cache.
func NewStdout(opts ...Option) *Logger {
	l := &Logger{
		file:   os.Stdout,
		cache:  newRingCache(defaultCacheSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit_log")
	return l
}

// Path returns the backing file path.
func (l *Logger) Path() string { return l.path }

// OnEmit registers a callback invoked after each successful write.
func (l *Logger) OnEmit(cb EmitCallback) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, cb)
	l.mu.Unlock()
}

// Emit validates, finalizes, and appends one event. The line is flushed
// before callbacks run and before Emit returns, so a caller observing the
// boundary result is guaranteed to observe the audit record.
func (l *Logger) Emit(e audit.Event) error {
	if err := e.Finalize(); err != nil {
		return fmt.Errorf("finalize audit event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal audit event %s: %w", e.EventID, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("audit log is closed")
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("write audit event %s: %w", e.EventID, err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("sync audit file: %w", err)
		}
	}
	l.cache.add(e)
	callbacks := l.callbacks
	l.mu.Unlock()

	for _, cb := range callbacks {
		l.invoke(cb, e)
	}
	return nil
}

// invoke runs one callback on a clone of the event, containing panics.
func (l *Logger) invoke(cb EmitCallback, e audit.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("audit emit callback panicked", "event_id", e.EventID, "panic", r)
		}
	}()
	cb(e.Clone())
}

// Recent returns the last n events from the in-memory ring, newest first.
func (l *Logger) Recent(n int) []audit.Event {
	return l.cache.recent(n)
}

// Query scans the whole file and returns events matching the filter,
// bounded by the filter's limit, newest first unless OldestFirst is set.
// Individual malformed or invalid lines are skipped: the log format is
// forward-compatible and a trailing partial line must not fail readers.
// A missing file returns empty.
func (l *Logger) Query(f audit.Filter) ([]audit.Event, error) {
	match, err := f.Matcher(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if l.path == "" {
		return []audit.Event{}, nil
	}

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []audit.Event{}, nil
		}
		return nil, fmt.Errorf("open audit file %s: %w", l.path, err)
	}
	defer file.Close()

	var out []audit.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if err := e.Validate(); err != nil {
			continue
		}
		if match(&e) {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit file %s: %w", l.path, err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if f.OldestFirst {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close syncs and closes the backing file. Further emits fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if !l.sync {
		// Stdout is not ours to close.
		return nil
	}
	_ = l.file.Sync()
	return l.file.Close()
}

// Compile-time interface check.
var _ audit.Emitter = (*Logger)(nil)

// ringCache keeps the most recent events for cheap recent-activity reads.
type ringCache struct {
	mu      sync.RWMutex
	entries []audit.Event
	head    int
	count   int
}

func newRingCache(size int) *ringCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &ringCache{entries: make([]audit.Event, size)}
}

func (c *ringCache) add(e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % len(c.entries)
	if c.count < len(c.entries) {
		c.count++
	}
}

// recent returns the last n entries, newest first.
func (c *ringCache) recent(n int) []audit.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	out := make([]audit.Event, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + len(c.entries)) % len(c.entries)
		out[i] = c.entries[idx]
	}
	return out
}
