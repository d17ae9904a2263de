package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option customises a sink.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

func defaultOptions() options {
	return options{now: time.Now, newID: uuid.NewString}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides the entry id generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// MemorySink keeps entries in process memory. Entries are lost on restart.
type MemorySink struct {
	mu      sync.RWMutex
	opts    options
	chain   chain
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink(opts ...Option) *MemorySink {
	return &MemorySink{opts: applyOptions(opts), chain: newChain()}
}

// Record appends the entry.
func (s *MemorySink) Record(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.chain.seal(&entry, s.opts.now(), s.opts.newID); err != nil {
		return Entry{}, err
	}
	s.entries = append(s.entries, entry)
	s.chain.advance(entry)
	return entry, nil
}

// Entries returns a copy of everything recorded.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// ByAttempt returns the entries of one attempt in order.
func (s *MemorySink) ByAttempt(_ context.Context, attemptID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AttemptID == attemptID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Incomplete lists attempts without a completion entry.
func (s *MemorySink) Incomplete(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return incompleteAttempts(s.entries), nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }
