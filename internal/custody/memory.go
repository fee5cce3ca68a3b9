package custody

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// MemoryStore is a process-local CustodyStore for the memory game store
// and tests. Updates are serialized and staged, so a failed update leaves
// nothing behind.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
	vaults   map[common.Address]domain.VaultAccount
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]uint64),
		vaults:   make(map[common.Address]domain.VaultAccount),
	}
}

// UpdateCustody implements domain.CustodyStore. fn must not call back into
// the same store.
func (s *MemoryStore) UpdateCustody(ctx context.Context, fn func(ctx context.Context, tx domain.CustodyTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		balances: make(map[common.Address]uint64),
		vaults:   make(map[common.Address]domain.VaultAccount),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	for k, v := range tx.vaults {
		s.vaults[k] = v
	}
	return nil
}

// AccountBalance implements domain.CustodyStore.
func (s *MemoryStore) AccountBalance(_ context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

// VaultAccount implements domain.CustodyStore.
func (s *MemoryStore) VaultAccount(_ context.Context, vault common.Address) (domain.VaultAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[vault]
	if !ok {
		return domain.VaultAccount{}, domain.ErrNotFound
	}
	return v, nil
}

// memoryTx reads through its staged writes to the committed maps. The
// store mutex is held for its whole life.
type memoryTx struct {
	store    *MemoryStore
	balances map[common.Address]uint64
	vaults   map[common.Address]domain.VaultAccount
}

func (t *memoryTx) AccountBalance(_ context.Context, account common.Address) (uint64, error) {
	if v, ok := t.balances[account]; ok {
		return v, nil
	}
	return t.store.balances[account], nil
}

func (t *memoryTx) SetAccountBalance(_ context.Context, account common.Address, amount uint64) error {
	t.balances[account] = amount
	return nil
}

func (t *memoryTx) VaultAccount(_ context.Context, vault common.Address) (domain.VaultAccount, error) {
	if v, ok := t.vaults[vault]; ok {
		return v, nil
	}
	v, ok := t.store.vaults[vault]
	if !ok {
		return domain.VaultAccount{}, domain.ErrNotFound
	}
	return v, nil
}

func (t *memoryTx) PutVaultAccount(_ context.Context, vault common.Address, v domain.VaultAccount) error {
	t.vaults[vault] = v
	return nil
}

var (
	_ domain.CustodyStore = (*MemoryStore)(nil)
	_ domain.CustodyTx    = (*memoryTx)(nil)
)
