package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/parimutuel/internal/cache/local"
	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/store/memory"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type fakeResolver struct {
	errs  map[uint64]error
	calls []uint64
}

func (f *fakeResolver) Resolve(_ context.Context, id uint64) (domain.Game, error) {
	f.calls = append(f.calls, id)
	if err := f.errs[id]; err != nil {
		return domain.Game{}, err
	}
	return domain.Game{ID: id, State: domain.GameForWins}, nil
}

type staticDue []domain.Game

func (s staticDue) ListDue(_ context.Context, _ int64, limit int) ([]domain.Game, error) {
	if limit > 0 && len(s) > limit {
		return s[:limit], nil
	}
	return s, nil
}

func TestResolverSweep(t *testing.T) {
	engine := &fakeResolver{errs: map[uint64]error{
		2: domain.OracleFailed("read", errors.New("stale")),
		3: domain.ErrNotRunning,
	}}
	due := staticDue{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	r := NewResolver(engine, due, local.NewLocks(), fixedClock(time.Unix(100, 0)), ResolverConfig{BatchSize: 10}, discardLogger())

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2, 3, 4}, engine.calls)
}

func TestResolverSkipsWhenLockHeld(t *testing.T) {
	locks := local.NewLocks()
	unlock, err := locks.Acquire(context.Background(), resolverLock, time.Minute)
	require.NoError(t, err)
	defer unlock()

	engine := &fakeResolver{}
	r := NewResolver(engine, staticDue{{ID: 1}}, locks, nil, ResolverConfig{}, discardLogger())
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, engine.calls)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func seedClosedGame(t *testing.T, s *memory.Store, id uint64, closedAt int64) {
	t.Helper()
	require.NoError(t, s.Atomically(context.Background(), func(ctx context.Context, tx domain.GameTx) error {
		g := domain.Game{ID: id, Reference: "BTC/USD", State: domain.GameForWins, TotalPot: 5, AmountFor: 5, ClosedAt: &closedAt}
		if err := tx.InsertGame(ctx, g); err != nil {
			return err
		}
		settled := closedAt
		return tx.InsertPosition(ctx, domain.Position{
			ID: fmt.Sprintf("p-%d", id), GameID: id, Side: domain.SideFor, Amount: 5,
			Settled: true, Payout: 5, SettledAt: &settled,
		})
	}))
}

func TestArchiverExportsAndPurges(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedClosedGame(t, store, 0, 100)
	blobs := &memBlobs{objects: map[string][]byte{}}
	bus := local.NewBus()
	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := bus.Subscribe(sub, domain.EventsChannel)
	require.NoError(t, err)

	a := NewArchiver(store, blobs, bus, fixedClock(time.Unix(200, 0)), ArchiverConfig{MinAge: time.Minute}, discardLogger())
	n, err := a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetGame(ctx, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	obj := blobs.objects[a.ObjectPath(0)]
	require.NotEmpty(t, obj)
	var kinds []string
	sc := bufio.NewScanner(bytes.NewReader(obj))
	for sc.Scan() {
		var rec archiveRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []string{"game", "position"}, kinds)

	select {
	case payload := <-events:
		var evt domain.Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		assert.Equal(t, domain.EventGameArchived, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no archive event")
	}
}

func TestArchiverRespectsMinAgeAndReusesObjects(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedClosedGame(t, store, 0, 190)
	seedClosedGame(t, store, 1, 100)
	blobs := &memBlobs{objects: map[string][]byte{}}

	a := NewArchiver(store, blobs, nil, fixedClock(time.Unix(200, 0)), ArchiverConfig{MinAge: time.Minute}, discardLogger())
	blobs.objects[a.ObjectPath(1)] = []byte("{}\n")

	n, err := a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, blobs.puts, "existing object is not re-uploaded")

	_, err = store.GetGame(ctx, 0)
	require.NoError(t, err, "recently closed game stays")
	_, err = store.GetGame(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

type collectingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collectingNotifier) NotifyEvent(_ context.Context, evt domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collectingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestEventRelayForwardsEvents(t *testing.T) {
	bus := local.NewBus()
	n := &collectingNotifier{}
	relay := NewEventRelay(bus, n, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	payload, err := json.Marshal(domain.Event{Type: domain.EventGameResolved, GameID: 9, State: "for_wins"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), domain.EventsChannel, []byte("not json"))
		_ = bus.Publish(context.Background(), domain.EventsChannel, payload)
		return n.count() > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, uint64(9), n.events[0].GameID)
}
