package sqlite

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func sampleGame(id uint64, expiry int64) domain.Game {
	return domain.Game{
		ID:         id,
		Reference:  "SOL/USD",
		Comparator: domain.GreaterThanAtExpiry,
		Threshold:  domain.Threshold{Value: 42, Exponent: -3},
		CreatedAt:  1,
		FreezeAt:   expiry - 1,
		ExpiryAt:   expiry,
		Creator:    common.HexToAddress("0x01"),
		Vault:      common.BigToAddress(new(big.Int).SetUint64(1000 + id)),
		Authority:  common.HexToAddress("0x02"),
		State:      domain.GameRunning,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestRegistrySurvivesRollback(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	boom := errors.New("boom")

	err := s.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		id, err := tx.NextGameID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), id)
		require.NoError(t, tx.InsertGame(ctx, sampleGame(id, 10)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetGame(ctx, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	var ids []uint64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
			id, err := tx.NextGameID(ctx)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return tx.InsertGame(ctx, sampleGame(id, 10))
		}))
	}
	assert.Equal(t, []uint64{0, 1, 2}, ids)
}

func TestGameAndPositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	g := sampleGame(0, 10)
	g.TotalPot = math.MaxUint64
	g.AmountFor = math.MaxUint64
	g.OpenPositions = 1
	owner := common.HexToAddress("0xa11ce")
	pos := domain.Position{ID: "p-1", GameID: 0, Owner: owner, Side: domain.SideFor, Amount: math.MaxUint64, CreatedAt: 5}

	require.NoError(t, s.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		if err := tx.InsertGame(ctx, g); err != nil {
			return err
		}
		return tx.InsertPosition(ctx, pos)
	}))

	got, err := s.GetGame(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, g, got)

	settledAt := int64(11)
	require.NoError(t, s.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		game, err := tx.LockGame(ctx, 0)
		if err != nil {
			return err
		}
		p, err := tx.LockPosition(ctx, "p-1")
		if err != nil {
			return err
		}
		p.Settled, p.Payout, p.SettledAt = true, math.MaxUint64, &settledAt
		game.State = domain.GameForWins
		game.OpenPositions = 0
		game.ClosedAt = &settledAt
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
		return tx.UpdateGame(ctx, game)
	}))

	positions, err := s.ListPositions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Settled)
	assert.Equal(t, uint64(math.MaxUint64), positions[0].Payout)
	require.NotNil(t, positions[0].SettledAt)
	assert.Equal(t, owner, positions[0].Owner)

	closed, err := s.ListClosed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.GameForWins, closed[0].State)

	require.NoError(t, s.Purge(ctx, 0))
	_, err = s.GetPosition(ctx, "p-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.Purge(ctx, 0), domain.ErrNotFound)
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		for id, expiry := range []int64{30, 10, 99} {
			if err := tx.InsertGame(ctx, sampleGame(uint64(id), expiry)); err != nil {
				return err
			}
		}
		return nil
	}))

	due, err := s.ListDue(ctx, 30, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, uint64(1), due[0].ID)
	assert.Equal(t, uint64(0), due[1].ID)

	due, err = s.ListDue(ctx, 30, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.Log(ctx, "game_created", map[string]any{"game_id": 0}))
	require.NoError(t, s.Log(ctx, "bet_placed", map[string]any{"game_id": 0}))

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bet_placed", entries[0].Event)
	assert.EqualValues(t, 0, entries[1].Detail["game_id"])
}
