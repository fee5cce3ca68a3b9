package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// ClosedGames is the slice of domain.GameStore the Archiver uses.
type ClosedGames interface {
	ListClosed(ctx context.Context, limit int) ([]domain.Game, error)
	ListPositions(ctx context.Context, gameID uint64) ([]domain.Position, error)
	Purge(ctx context.Context, gameID uint64) error
}

// ArchiverConfig tunes the Archiver.
type ArchiverConfig struct {
	Interval  time.Duration
	BatchSize int
	// MinAge keeps a closed game in the primary store for at least this
	// long, so late withdrawal attempts still see the settled tombstones.
	MinAge time.Duration
	Prefix string
	// MultipartThreshold switches to a multipart upload above this size.
	MultipartThreshold int
}

// Archiver exports closed games to blob storage as JSONL (the game line
// followed by one line per position) and then purges them from the store.
type Archiver struct {
	games  ClosedGames
	blobs  domain.BlobStore
	bus    domain.SignalBus
	clock  domain.Clock
	cfg    ArchiverConfig
	logger *slog.Logger
}

// archiveRecord is one JSONL line.
type archiveRecord struct {
	Kind     string           `json:"kind"`
	Game     *domain.Game     `json:"game,omitempty"`
	Position *domain.Position `json:"position,omitempty"`
}

// NewArchiver creates an Archiver. bus may be nil.
func NewArchiver(games ClosedGames, blobs domain.BlobStore, bus domain.SignalBus, clock domain.Clock, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "archive"
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 << 20
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Archiver{
		games:  games,
		blobs:  blobs,
		bus:    bus,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run archives on every tick until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ObjectPath returns the blob key for a game's archive.
func (a *Archiver) ObjectPath(gameID uint64) string {
	return fmt.Sprintf("%s/games/%020d.jsonl", a.cfg.Prefix, gameID)
}

// ArchiveOnce archives one batch of closed games and returns how many were
// purged. A game whose object already exists is purged without re-upload.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	closed, err := a.games.ListClosed(ctx, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("service: list closed games: %w", err)
	}

	now := a.clock.Now().Unix()
	minAge := int64(a.cfg.MinAge / time.Second)
	archived := 0
	for _, g := range closed {
		if g.ClosedAt == nil || now-*g.ClosedAt < minAge {
			continue
		}
		if err := a.archive(ctx, g); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

func (a *Archiver) archive(ctx context.Context, g domain.Game) error {
	path := a.ObjectPath(g.ID)
	exists, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("service: archive game %d: %w", g.ID, err)
	}
	if !exists {
		positions, err := a.games.ListPositions(ctx, g.ID)
		if err != nil {
			return fmt.Errorf("service: archive game %d positions: %w", g.ID, err)
		}
		buf, err := encodeArchive(g, positions)
		if err != nil {
			return fmt.Errorf("service: archive game %d encode: %w", g.ID, err)
		}
		if len(buf) > a.cfg.MultipartThreshold {
			err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(buf), int64(a.cfg.MultipartThreshold))
		} else {
			err = a.blobs.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return fmt.Errorf("service: archive game %d upload: %w", g.ID, err)
		}
	}

	if err := a.games.Purge(ctx, g.ID); err != nil {
		return fmt.Errorf("service: purge game %d: %w", g.ID, err)
	}
	metrics.GamesArchived.Inc()
	a.logger.InfoContext(ctx, "game archived",
		slog.Uint64("game_id", g.ID),
		slog.String("path", path),
		slog.Bool("reused", exists),
	)
	a.publish(ctx, domain.Event{Type: domain.EventGameArchived, GameID: g.ID, At: a.clock.Now().Unix()})
	return nil
}

func (a *Archiver) publish(ctx context.Context, evt domain.Event) {
	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, domain.EventsChannel, payload); err != nil {
		a.logger.WarnContext(ctx, "publish archive event failed", slog.String("error", err.Error()))
	}
}

// encodeArchive writes g and its positions as newline-delimited JSON.
func encodeArchive(g domain.Game, positions []domain.Position) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(archiveRecord{Kind: "game", Game: &g}); err != nil {
		return nil, fmt.Errorf("jsonl encode game: %w", err)
	}
	for i := range positions {
		if err := enc.Encode(archiveRecord{Kind: "position", Position: &positions[i]}); err != nil {
			return nil, fmt.Errorf("jsonl encode position %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
