package settlement

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/parimutuel/internal/authority"
	"github.com/alanyoungcy/parimutuel/internal/custody"
	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/store/memory"
)

const t0 = int64(1_700_000_000)

var (
	program = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creator = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *fakeClock) Set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = unix
}

type stubOracle struct {
	mu      sync.Mutex
	reading domain.PriceReading
	err     error
	calls   int
}

func (o *stubOracle) Read(_ context.Context, _ domain.Reference) (domain.PriceReading, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.reading, o.err
}

// spyVault counts close calls and can fail each collaborator call in front
// of a ledger.
type spyVault struct {
	*custody.Ledger
	mu             sync.Mutex
	closes         int
	transferErr    error
	transferOutErr error
	closeErr       error
}

func (v *spyVault) fail(knob *error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return *knob
}

func (v *spyVault) closed() {
	v.mu.Lock()
	v.closes++
	v.mu.Unlock()
}

func (v *spyVault) TransferIn(ctx context.Context, vault, from common.Address, amount uint64) error {
	if err := v.fail(&v.transferErr); err != nil {
		return err
	}
	return v.Ledger.TransferIn(ctx, vault, from, amount)
}

func (v *spyVault) TransferOut(ctx context.Context, vault common.Address, signer domain.Authority, to common.Address, amount uint64) error {
	if err := v.fail(&v.transferOutErr); err != nil {
		return err
	}
	return v.Ledger.TransferOut(ctx, vault, signer, to, amount)
}

func (v *spyVault) Close(ctx context.Context, vault common.Address, signer domain.Authority, dest common.Address) error {
	if err := v.fail(&v.closeErr); err != nil {
		return err
	}
	if err := v.Ledger.Close(ctx, vault, signer, dest); err != nil {
		return err
	}
	v.closed()
	return nil
}

func (v *spyVault) TransferOutAndClose(ctx context.Context, vault common.Address, signer domain.Authority, to common.Address, amount uint64, dest common.Address) error {
	if err := v.fail(&v.transferOutErr); err != nil {
		return err
	}
	if err := v.fail(&v.closeErr); err != nil {
		return err
	}
	if err := v.Ledger.TransferOutAndClose(ctx, vault, signer, to, amount, dest); err != nil {
		return err
	}
	v.closed()
	return nil
}

// splitVault hides TransferOutAndClose so the engine has to pay and close
// with two calls.
type splitVault struct {
	spy *spyVault
}

func (v splitVault) TransferIn(ctx context.Context, vault, from common.Address, amount uint64) error {
	return v.spy.TransferIn(ctx, vault, from, amount)
}

func (v splitVault) TransferOut(ctx context.Context, vault common.Address, signer domain.Authority, to common.Address, amount uint64) error {
	return v.spy.TransferOut(ctx, vault, signer, to, amount)
}

func (v splitVault) SetAuthority(ctx context.Context, vault, current, next common.Address) error {
	return v.spy.SetAuthority(ctx, vault, current, next)
}

func (v splitVault) Close(ctx context.Context, vault common.Address, signer domain.Authority, dest common.Address) error {
	return v.spy.Close(ctx, vault, signer, dest)
}

type harness struct {
	engine  *Engine
	store   *memory.Store
	ledger  *custody.Ledger
	vault   *spyVault
	oracle  *stubOracle
	clock   *fakeClock
	deriver *authority.Deriver
	vaults  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := authority.NewDeriver(authority.DefaultSeed, program, []byte("test-secret-0123456789"))
	require.NoError(t, err)

	ledger := custody.NewLedger(d, custody.NewMemoryStore())
	h := &harness{
		store:   memory.New(),
		ledger:  ledger,
		vault:   &spyVault{Ledger: ledger},
		oracle:  &stubOracle{},
		clock:   &fakeClock{now: t0},
		deriver: d,
	}
	h.useVault(h.vault)
	return h
}

// useVault rebuilds the engine around vault, keeping every other
// collaborator.
func (h *harness) useVault(vault domain.Vault) {
	h.engine = New(Deps{
		Store:   h.store,
		Vault:   vault,
		Oracle:  h.oracle,
		Clock:   h.clock,
		Deriver: h.deriver,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// newVault opens a fresh vault owned by the creator.
func (h *harness) newVault(t *testing.T) common.Address {
	t.Helper()
	h.vaults++
	addr := common.BigToAddress(big.NewInt(0x10000 + h.vaults))
	require.NoError(t, h.ledger.OpenVault(context.Background(), addr, creator))
	return addr
}

func (h *harness) create(t *testing.T, cmp domain.Comparator, th domain.Threshold, freeze, expiry int64) domain.Game {
	t.Helper()
	g, err := h.engine.Create(context.Background(), CreateParams{
		Reference:   "BTC/USD",
		Comparator:  cmp,
		Threshold:   th,
		FreezeAfter: time.Duration(freeze) * time.Second,
		ExpireAfter: time.Duration(expiry) * time.Second,
		Creator:     creator,
		Vault:       h.newVault(t),
	})
	require.NoError(t, err)
	return g
}

func (h *harness) fund(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(context.Background(), who, amount))
}

func (h *harness) balance(t *testing.T, who common.Address) uint64 {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), who)
	require.NoError(t, err)
	return bal
}

func (h *harness) vaultBalance(t *testing.T, vault common.Address) uint64 {
	t.Helper()
	bal, err := h.ledger.VaultBalance(context.Background(), vault)
	require.NoError(t, err)
	return bal
}

func (h *harness) bet(t *testing.T, gameID uint64, who common.Address, side domain.Side, amount uint64) domain.Position {
	t.Helper()
	pos, err := h.engine.PlaceBet(context.Background(), BetParams{GameID: gameID, Owner: who, Side: side, Amount: amount})
	require.NoError(t, err)
	return pos
}

func (h *harness) setPrice(price float64, expo int32) {
	h.oracle.mu.Lock()
	defer h.oracle.mu.Unlock()
	h.oracle.reading = domain.PriceReading{Price: price, Expo: expo, Confidence: 0.5}
	h.oracle.err = nil
}

// checkInvariants asserts the pot and open-count invariants for a game.
func (h *harness) checkInvariants(t *testing.T, gameID uint64) {
	t.Helper()
	ctx := context.Background()
	g, err := h.store.GetGame(ctx, gameID)
	require.NoError(t, err)
	require.Equal(t, g.TotalPot, g.AmountFor+g.AmountAgainst, "total pot must equal side sums")

	positions, err := h.store.ListPositions(ctx, gameID)
	require.NoError(t, err)
	var open uint64
	for _, p := range positions {
		if !p.Settled {
			open++
		}
	}
	require.Equal(t, open, g.OpenPositions, "open position count must match unsettled positions")
}
