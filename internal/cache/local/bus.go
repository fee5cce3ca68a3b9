// Package local provides in-process versions of the redis-backed bus and
// lock for single-node deployments and tests.
package local

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// streamMaxLen caps each in-memory stream.
const streamMaxLen = 10000

// Bus implements domain.SignalBus in memory. Slow subscribers drop messages
// rather than block publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers payload to current subscribers of channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads that closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to stream with a sequential id.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count messages with ids after lastID. "0" reads
// from the beginning.
func (b *Bus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := strconv.ParseUint(lastID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("local: stream id %q: %w", lastID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// minSweep is the table size at which expired leases are first dropped.
const minSweep = 1024

// Locks implements domain.LockManager for one process.
type Locks struct {
	mu      sync.Mutex
	held    map[string]time.Time
	sweepAt int
	clock   func() time.Time
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]time.Time), sweepAt: minSweep, clock: time.Now}
}

// sweep drops expired leases once the table has doubled since the last
// sweep. Leases that are never unlocked, such as replay markers, would
// otherwise accumulate.
func (l *Locks) sweep(now time.Time) {
	if len(l.held) < l.sweepAt {
		return
	}
	for name, exp := range l.held {
		if !now.Before(exp) {
			delete(l.held, name)
		}
	}
	l.sweepAt = max(minSweep, 2*len(l.held))
}

// Acquire takes name until the returned unlock runs or ttl passes.
func (l *Locks) Acquire(_ context.Context, name string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	l.sweep(now)
	if exp, ok := l.held[name]; ok && now.Before(exp) {
		return nil, fmt.Errorf("local: lock %s: %w", name, domain.ErrLockHeld)
	}
	exp := now.Add(ttl)
	l.held[name] = exp
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[name].Equal(exp) {
				delete(l.held, name)
			}
		})
	}, nil
}

var (
	_ domain.SignalBus   = (*Bus)(nil)
	_ domain.LockManager = (*Locks)(nil)
)
