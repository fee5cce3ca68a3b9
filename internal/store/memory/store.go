// Package memory implements domain.GameStore in process memory. A single
// mutex serializes transactions; writes are staged and applied only when
// the transaction function returns nil.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Store is an in-memory GameStore.
type Store struct {
	mu        sync.Mutex
	nextID    uint64
	games     map[uint64]domain.Game
	positions map[string]domain.Position
}

// New returns an empty Store whose registry starts at 0.
func New() *Store {
	return &Store{
		games:     make(map[uint64]domain.Game),
		positions: make(map[string]domain.Position),
	}
}

// Atomically implements domain.GameStore.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.GameTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:     s,
		nextID:    s.nextID,
		games:     make(map[uint64]domain.Game),
		positions: make(map[string]domain.Position),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.nextID = tx.nextID
	for id, g := range tx.games {
		s.games[id] = g
	}
	for id, p := range tx.positions {
		s.positions[id] = p
	}
	return nil
}

// GetGame implements domain.GameStore.
func (s *Store) GetGame(_ context.Context, id uint64) (domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return domain.Game{}, fmt.Errorf("memory: game %d: %w", id, domain.ErrNotFound)
	}
	return g, nil
}

// GetPosition implements domain.GameStore.
func (s *Store) GetPosition(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// ListPositions implements domain.GameStore, oldest first.
func (s *Store) ListPositions(_ context.Context, gameID uint64) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.GameID == gameID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListDue implements domain.GameStore, earliest expiry first.
func (s *Store) ListDue(_ context.Context, now int64, limit int) ([]domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Game
	for _, g := range s.games {
		if g.State == domain.GameRunning && g.ExpiryAt <= now {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryAt != out[j].ExpiryAt {
			return out[i].ExpiryAt < out[j].ExpiryAt
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

// ListClosed implements domain.GameStore, lowest id first.
func (s *Store) ListClosed(_ context.Context, limit int) ([]domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Game
	for _, g := range s.games {
		if g.Closed() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

// Purge implements domain.GameStore.
func (s *Store) Purge(_ context.Context, gameID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("memory: game %d: %w", gameID, domain.ErrNotFound)
	}
	if !g.Closed() {
		return fmt.Errorf("memory: purge game %d: vault still open", gameID)
	}
	for id, p := range s.positions {
		if p.GameID == gameID {
			delete(s.positions, id)
		}
	}
	delete(s.games, gameID)
	return nil
}

func truncate(games []domain.Game, limit int) []domain.Game {
	if limit > 0 && len(games) > limit {
		return games[:limit]
	}
	return games
}

// memTx stages writes on top of the committed state.
type memTx struct {
	store     *Store
	nextID    uint64
	games     map[uint64]domain.Game
	positions map[string]domain.Position
}

func (t *memTx) NextGameID(context.Context) (uint64, error) {
	id := t.nextID
	t.nextID++
	return id, nil
}

func (t *memTx) game(id uint64) (domain.Game, bool) {
	if g, ok := t.games[id]; ok {
		return g, true
	}
	g, ok := t.store.games[id]
	return g, ok
}

func (t *memTx) position(id string) (domain.Position, bool) {
	if p, ok := t.positions[id]; ok {
		return p, true
	}
	p, ok := t.store.positions[id]
	return p, ok
}

func (t *memTx) InsertGame(_ context.Context, g domain.Game) error {
	if _, ok := t.game(g.ID); ok {
		return fmt.Errorf("memory: game %d already exists", g.ID)
	}
	t.games[g.ID] = g
	return nil
}

func (t *memTx) LockGame(_ context.Context, id uint64) (domain.Game, error) {
	g, ok := t.game(id)
	if !ok {
		return domain.Game{}, fmt.Errorf("memory: game %d: %w", id, domain.ErrNotFound)
	}
	return g, nil
}

func (t *memTx) UpdateGame(_ context.Context, g domain.Game) error {
	if _, ok := t.game(g.ID); !ok {
		return fmt.Errorf("memory: game %d: %w", g.ID, domain.ErrNotFound)
	}
	t.games[g.ID] = g
	return nil
}

func (t *memTx) InsertPosition(_ context.Context, p domain.Position) error {
	if _, ok := t.position(p.ID); ok {
		return fmt.Errorf("memory: position %s already exists", p.ID)
	}
	t.positions[p.ID] = p
	return nil
}

func (t *memTx) LockPosition(_ context.Context, id string) (domain.Position, error) {
	p, ok := t.position(id)
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) UpdatePosition(_ context.Context, p domain.Position) error {
	if _, ok := t.position(p.ID); !ok {
		return fmt.Errorf("memory: position %s: %w", p.ID, domain.ErrNotFound)
	}
	t.positions[p.ID] = p
	return nil
}

var _ domain.GameStore = (*Store)(nil)
