package settlement

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

func TestCreate_HandsVaultToDerivedAuthority(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)

	assert.Equal(t, uint64(0), g.ID)
	assert.Equal(t, domain.GameRunning, g.State)
	assert.Equal(t, t0, g.CreatedAt)
	assert.Equal(t, t0+10, g.FreezeAt)
	assert.Equal(t, t0+20, g.ExpiryAt)
	assert.Equal(t, h.deriver.Address(g.ID), g.Authority)
	assert.Zero(t, g.TotalPot)
	assert.Zero(t, g.OpenPositions)

	auth, err := h.ledger.VaultAuthority(context.Background(), g.Vault)
	require.NoError(t, err)
	assert.Equal(t, g.Authority, auth)

	second := h.create(t, domain.LessThanAtExpiry, domain.Threshold{Value: 1, Exponent: 0}, 1, 1)
	assert.Equal(t, uint64(1), second.ID)
}

func TestCreate_RejectsInvalidParameters(t *testing.T) {
	h := newHarness(t)
	valid := func() CreateParams {
		return CreateParams{
			Reference:   "BTC/USD",
			Comparator:  domain.GreaterThanAtExpiry,
			Threshold:   domain.Threshold{Value: 100, Exponent: 1},
			FreezeAfter: 10 * time.Second,
			ExpireAfter: 20 * time.Second,
			Creator:     creator,
			Vault:       h.newVault(t),
		}
	}

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"freeze after expiry", func(p *CreateParams) { p.FreezeAfter, p.ExpireAfter = 5*time.Second, 3*time.Second }},
		{"zero freeze", func(p *CreateParams) { p.FreezeAfter = 0 }},
		{"zero expiry", func(p *CreateParams) { p.ExpireAfter = 0 }},
		{"negative freeze", func(p *CreateParams) { p.FreezeAfter = -time.Second }},
		{"sub-second expiry", func(p *CreateParams) { p.FreezeAfter, p.ExpireAfter = 0, 500*time.Millisecond }},
		{"unknown comparator", func(p *CreateParams) { p.Comparator = domain.Comparator(7) }},
		{"empty reference", func(p *CreateParams) { p.Reference = "" }},
		{"oversized reference", func(p *CreateParams) { p.Reference = "ABCDEFGHIJK" }},
		{"missing creator", func(p *CreateParams) { p.Creator = common.Address{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			_, err := h.engine.Create(context.Background(), p)
			require.ErrorIs(t, err, domain.ErrInvalidParameters)
		})
	}

	// No rejected attempt consumed a game id.
	p := valid()
	p.Reference = "ABCDEFGHIJ"
	g, err := h.engine.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g.ID)
}

func TestCreate_VaultNotHeldByCreatorRollsBack(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Create(context.Background(), CreateParams{
		Reference:   "ETH/USD",
		Comparator:  domain.LessThanAtExpiry,
		Threshold:   domain.Threshold{Value: 3, Exponent: 2},
		FreezeAfter: time.Second,
		ExpireAfter: time.Second,
		Creator:     alice,
		Vault:       h.newVault(t),
	})
	require.ErrorIs(t, err, domain.ErrTransferFailure)

	_, err = h.store.GetGame(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	g := h.create(t, domain.LessThanAtExpiry, domain.Threshold{Value: 3, Exponent: 2}, 1, 1)
	assert.Equal(t, uint64(0), g.ID)
}

// Alice bets For, Bob bets Against, the price ends above the threshold.
func TestScenario_ForWinsTakesWholePot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	h.fund(t, alice, 1000)
	h.fund(t, bob, 1000)

	pa := h.bet(t, g.ID, alice, domain.SideFor, 100)
	pb := h.bet(t, g.ID, bob, domain.SideAgainst, 300)
	h.checkInvariants(t, g.ID)

	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), got.TotalPot)
	assert.Equal(t, uint64(100), got.AmountFor)
	assert.Equal(t, uint64(300), got.AmountAgainst)
	assert.Equal(t, uint64(2), got.OpenPositions)

	h.clock.Set(t0 + 20)
	h.setPrice(150, 1)
	resolved, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameForWins, resolved.State)

	rcpt, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pa.ID, Owner: alice})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), rcpt.Payout)
	assert.True(t, rcpt.Position.Settled)
	assert.False(t, rcpt.VaultClosed)
	assert.Equal(t, uint64(1300), h.balance(t, alice))

	_, err = h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pb.ID, Owner: bob})
	require.ErrorIs(t, err, domain.ErrNotWithdrawable)
	require.ErrorIs(t, err, domain.ErrWrongSide)
	assert.Equal(t, uint64(700), h.balance(t, bob))

	after, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), after.OpenPositions)
	assert.False(t, after.Closed())
	assert.Zero(t, h.vault.closes)
	h.checkInvariants(t, g.ID)
}

// Only Bob bets Against, yet For wins: nobody can claim the pot.
func TestScenario_NoWinningStake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	h.fund(t, bob, 300)
	pb := h.bet(t, g.ID, bob, domain.SideAgainst, 300)

	h.clock.Set(t0 + 25)
	h.setPrice(150, 1)
	resolved, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameForWins, resolved.State)

	_, err = Payout(pb.Amount, resolved.TotalPot, resolved.AmountFor)
	require.ErrorIs(t, err, domain.ErrNoWinningStake)

	_, err = h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pb.ID, Owner: bob})
	require.ErrorIs(t, err, domain.ErrWrongSide)

	bal, err := h.ledger.VaultBalance(context.Background(), g.Vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), bal)
}

// Every winner withdraws and the last one closes the vault exactly once.
func TestScenario_LastWithdrawalClosesVault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.LessThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	h.fund(t, alice, 100)
	h.fund(t, carol, 200)
	pa := h.bet(t, g.ID, alice, domain.SideFor, 100)
	pc := h.bet(t, g.ID, carol, domain.SideFor, 200)

	h.clock.Set(t0 + 20)
	h.setPrice(50, 1)
	resolved, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, domain.GameForWins, resolved.State)

	first, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pa.ID, Owner: alice})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), first.Payout)
	assert.False(t, first.VaultClosed)
	assert.Zero(t, h.vault.closes)

	last, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pc.ID, Owner: carol})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), last.Payout)
	assert.True(t, last.VaultClosed)
	assert.Equal(t, 1, h.vault.closes)

	closed, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Zero(t, closed.OpenPositions)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, t0+20, *closed.ClosedAt)

	_, err = h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pc.ID, Owner: carol})
	require.ErrorIs(t, err, domain.ErrNotWithdrawable)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.Equal(t, 1, h.vault.closes)

	assert.Equal(t, uint64(100), h.balance(t, alice))
	assert.Equal(t, uint64(200), h.balance(t, carol))
}

func TestPlaceBet_FreezeBoundaryIsInclusive(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 1, Exponent: 1}, 5, 10)
	h.fund(t, alice, 10)

	h.clock.Set(t0 + 5)
	h.bet(t, g.ID, alice, domain.SideFor, 1)

	h.clock.Set(t0 + 6)
	_, err := h.engine.PlaceBet(context.Background(), BetParams{GameID: g.ID, Owner: alice, Side: domain.SideFor, Amount: 1})
	require.ErrorIs(t, err, domain.ErrBettingClosed)
	assert.Equal(t, uint64(9), h.balance(t, alice))
	h.checkInvariants(t, g.ID)
}

func TestPlaceBet_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 1, Exponent: 1}, 5, 10)
	h.fund(t, alice, 10)

	_, err := h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: alice, Side: domain.Side(3), Amount: 1})
	require.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: alice, Side: domain.SideFor, Amount: 0})
	require.ErrorIs(t, err, domain.ErrInvalidParameters)

	_, err = h.engine.PlaceBet(ctx, BetParams{GameID: 99, Owner: alice, Side: domain.SideFor, Amount: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceBet_ResolvedGameIsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 1, Exponent: 1}, 5, 5)
	h.fund(t, alice, 10)

	h.clock.Set(t0 + 5)
	h.setPrice(2, 1)
	_, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)

	_, err = h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: alice, Side: domain.SideFor, Amount: 1})
	require.ErrorIs(t, err, domain.ErrBettingClosed)
}

func TestPlaceBet_TransferFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 1, Exponent: 1}, 5, 10)
	h.fund(t, alice, 10)

	// Insufficient funds in the ledger.
	_, err := h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: alice, Side: domain.SideFor, Amount: 11})
	require.ErrorIs(t, err, domain.ErrTransferFailure)

	// Injected collaborator failure.
	h.vault.transferErr = errors.New("rpc unavailable")
	_, err = h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: alice, Side: domain.SideFor, Amount: 5})
	require.ErrorIs(t, err, domain.ErrTransferFailure)
	var ce *domain.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "transfer_in", ce.Op)

	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalPot)
	assert.Zero(t, got.OpenPositions)
	positions, err := h.engine.Positions(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, uint64(10), h.balance(t, alice))
}

func TestPlaceBet_OverflowAbortsAtomically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 1, Exponent: 1}, 5, 10)
	h.fund(t, alice, math.MaxUint64)
	h.fund(t, bob, 1)

	h.bet(t, g.ID, alice, domain.SideFor, math.MaxUint64)
	_, err := h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: bob, Side: domain.SideAgainst, Amount: 1})
	require.ErrorIs(t, err, domain.ErrArithmeticOverflow)

	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got.TotalPot)
	assert.Zero(t, got.AmountAgainst)
	assert.Equal(t, uint64(1), got.OpenPositions)
	assert.Equal(t, uint64(1), h.balance(t, bob))
	h.checkInvariants(t, g.ID)
}

func TestResolve_ExpiryAndStateChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.LessThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	h.setPrice(150, 1)

	h.clock.Set(t0 + 19)
	_, err := h.engine.Resolve(ctx, g.ID)
	require.ErrorIs(t, err, domain.ErrNotYetExpired)
	assert.Zero(t, h.oracle.calls)

	h.clock.Set(t0 + 20)
	resolved, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameAgainstWins, resolved.State)

	_, err = h.engine.Resolve(ctx, g.ID)
	require.ErrorIs(t, err, domain.ErrNotRunning)
	assert.Equal(t, 1, h.oracle.calls)

	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameAgainstWins, got.State)
}

func TestResolve_OracleFailureKeepsGameRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.LessThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)

	cause := errors.New("feed stale")
	h.oracle.err = cause
	h.clock.Set(t0 + 30)
	_, err := h.engine.Resolve(ctx, g.ID)
	require.ErrorIs(t, err, domain.ErrOracleFailure)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "oracle_failure", ErrorKind(err))

	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameRunning, got.State)

	h.setPrice(50, 1)
	resolved, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameForWins, resolved.State)
}

func TestWithdraw_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	other := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	h.fund(t, alice, 100)
	pa := h.bet(t, g.ID, alice, domain.SideFor, 50)
	po := h.bet(t, other.ID, alice, domain.SideFor, 50)

	_, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pa.ID, Owner: alice})
	require.ErrorIs(t, err, domain.ErrNotWithdrawable, "running game")

	h.clock.Set(t0 + 20)
	h.setPrice(150, 1)
	_, err = h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)

	_, err = h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pa.ID, Owner: carol})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: po.ID, Owner: alice})
	require.ErrorIs(t, err, domain.ErrNotWithdrawable, "position of another game")

	_, err = h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: "missing", Owner: alice})
	require.ErrorIs(t, err, domain.ErrNotFound)

	rcpt, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: pa.ID, Owner: alice})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), rcpt.Payout)
	assert.True(t, rcpt.VaultClosed)
}

func TestPayoutRoundingConservesFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	for _, who := range []common.Address{alice, bob, carol} {
		h.fund(t, who, 10)
	}
	pa := h.bet(t, g.ID, alice, domain.SideFor, 1)
	pc := h.bet(t, g.ID, carol, domain.SideFor, 2)
	h.bet(t, g.ID, bob, domain.SideAgainst, 2)

	h.clock.Set(t0 + 20)
	h.setPrice(150, 1)
	_, err := h.engine.Resolve(ctx, g.ID)
	require.NoError(t, err)

	var paid uint64
	for _, p := range []domain.Position{pa, pc} {
		r, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: p.ID, Owner: p.Owner})
		require.NoError(t, err)
		paid += r.Payout
	}
	// floor(1*5/3) + floor(2*5/3) = 1 + 3
	assert.Equal(t, uint64(4), paid)
	bal, err := h.ledger.VaultBalance(context.Background(), g.Vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bal)
	assert.LessOrEqual(t, paid, uint64(5))
}

func TestPlaceBet_ConcurrentBetsKeepInvariants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	h.fund(t, alice, 10_000)
	h.fund(t, bob, 10_000)

	rng := rand.New(rand.NewSource(7))
	type bet struct {
		side   domain.Side
		amount uint64
	}
	bets := make([]bet, 64)
	var wantFor, wantAgainst uint64
	for i := range bets {
		bets[i] = bet{side: domain.Side(1 + rng.Intn(2)), amount: uint64(1 + rng.Intn(50))}
		if bets[i].side == domain.SideFor {
			wantFor += bets[i].amount
		} else {
			wantAgainst += bets[i].amount
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(bets))
	for i, b := range bets {
		owner := alice
		if i%2 == 1 {
			owner = bob
		}
		wg.Add(1)
		go func(owner common.Address, b bet) {
			defer wg.Done()
			_, err := h.engine.PlaceBet(ctx, BetParams{GameID: g.ID, Owner: owner, Side: b.side, Amount: b.amount})
			errs <- err
		}(owner, b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, wantFor, got.AmountFor)
	assert.Equal(t, wantAgainst, got.AmountAgainst)
	assert.Equal(t, uint64(len(bets)), got.OpenPositions)
	h.checkInvariants(t, g.ID)

	bal, err := h.ledger.VaultBalance(context.Background(), g.Vault)
	require.NoError(t, err)
	assert.Equal(t, got.TotalPot, bal)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "wrong_side", ErrorKind(domain.ErrWrongSide))
	assert.Equal(t, "already_settled", ErrorKind(domain.ErrAlreadySettled))
	assert.Equal(t, "not_withdrawable", ErrorKind(domain.ErrNotWithdrawable))
	assert.Equal(t, "transfer_failure", ErrorKind(domain.TransferFailed("close", errors.New("x"))))
	assert.Equal(t, "internal", ErrorKind(errors.New("boom")))
}

// resolvedForWin creates a game, places the given For stakes and resolves
// it in favour of For.
func resolvedForWin(t *testing.T, h *harness, stakes map[common.Address]uint64) (domain.Game, map[common.Address]domain.Position) {
	t.Helper()
	g := h.create(t, domain.GreaterThanAtExpiry, domain.Threshold{Value: 100, Exponent: 1}, 10, 20)
	positions := make(map[common.Address]domain.Position, len(stakes))
	for who, amount := range stakes {
		h.fund(t, who, amount)
		positions[who] = h.bet(t, g.ID, who, domain.SideFor, amount)
	}
	h.clock.Set(t0 + 20)
	h.setPrice(150, 1)
	resolved, err := h.engine.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, domain.GameForWins, resolved.State)
	return resolved, positions
}

func TestWithdraw_TransferFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g, positions := resolvedForWin(t, h, map[common.Address]uint64{alice: 100, carol: 200})

	h.vault.transferOutErr = errors.New("rpc unavailable")
	_, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: positions[alice].ID, Owner: alice})
	require.ErrorIs(t, err, domain.ErrTransferFailure)
	var ce *domain.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "transfer_out", ce.Op)

	pos, err := h.store.GetPosition(ctx, positions[alice].ID)
	require.NoError(t, err)
	assert.False(t, pos.Settled)
	assert.Zero(t, pos.Payout)
	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.OpenPositions)
	assert.False(t, got.Closed())
	assert.Equal(t, uint64(300), h.vaultBalance(t, g.Vault))
	assert.Zero(t, h.balance(t, alice))
	h.checkInvariants(t, g.ID)

	h.vault.transferOutErr = nil
	rcpt, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: positions[alice].ID, Owner: alice})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rcpt.Payout)
	assert.Equal(t, uint64(200), h.vaultBalance(t, g.Vault))
}

func TestWithdraw_CloseFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g, positions := resolvedForWin(t, h, map[common.Address]uint64{alice: 100})

	h.vault.closeErr = errors.New("rpc unavailable")
	_, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: positions[alice].ID, Owner: alice})
	require.ErrorIs(t, err, domain.ErrTransferFailure)
	var ce *domain.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "close", ce.Op)

	// The payout did not land without the close.
	assert.Zero(t, h.balance(t, alice))
	assert.Equal(t, uint64(100), h.vaultBalance(t, g.Vault))
	assert.Zero(t, h.vault.closes)
	pos, err := h.store.GetPosition(ctx, positions[alice].ID)
	require.NoError(t, err)
	assert.False(t, pos.Settled)
	got, err := h.engine.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.OpenPositions)
	assert.Nil(t, got.ClosedAt)

	h.vault.closeErr = nil
	rcpt, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: positions[alice].ID, Owner: alice})
	require.NoError(t, err)
	assert.True(t, rcpt.VaultClosed)
	assert.Equal(t, uint64(100), h.balance(t, alice))
	assert.Equal(t, 1, h.vault.closes)
}

func TestWithdraw_TwoStepVaultPaysThenCloses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.useVault(splitVault{spy: h.vault})
	g, positions := resolvedForWin(t, h, map[common.Address]uint64{alice: 100})

	rcpt, err := h.engine.Withdraw(ctx, WithdrawParams{GameID: g.ID, PositionID: positions[alice].ID, Owner: alice})
	require.NoError(t, err)
	assert.True(t, rcpt.VaultClosed)
	assert.Equal(t, uint64(100), h.balance(t, alice))
	assert.Equal(t, 1, h.vault.closes)
	assert.Zero(t, h.vaultBalance(t, g.Vault))
}
