// Package feed copies oracle readings from an upstream source into the shared
// price cache that resolvers read from.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// PriceSink stores the latest reading per reference. *redis.PriceOracle
// satisfies it.
type PriceSink interface {
	SetPrice(ctx context.Context, ref domain.Reference, r domain.PriceReading) error
}

// PriceFeeder polls source for each reference and writes the readings to
// sink. A reading that is not newer than the last one written is skipped.
type PriceFeeder struct {
	source   domain.Oracle
	sink     PriceSink
	refs     []domain.Reference
	interval time.Duration
	last     map[domain.Reference]time.Time
	logger   *slog.Logger
}

// NewPriceFeeder creates a PriceFeeder. refs that are not valid references
// are dropped with a warning.
func NewPriceFeeder(source domain.Oracle, sink PriceSink, refs []string, interval time.Duration, logger *slog.Logger) *PriceFeeder {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger = logger.With(slog.String("component", "price_feeder"))

	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)
	valid := make([]domain.Reference, 0, len(sorted))
	for _, s := range sorted {
		ref, err := domain.NewReference(s)
		if err != nil {
			logger.Warn("price feeder: skipping reference",
				slog.String("reference", s),
				slog.String("error", err.Error()),
			)
			continue
		}
		valid = append(valid, ref)
	}
	return &PriceFeeder{
		source:   source,
		sink:     sink,
		refs:     valid,
		interval: interval,
		last:     make(map[domain.Reference]time.Time, len(valid)),
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (f *PriceFeeder) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "price feeder started",
		slog.Int("references", len(f.refs)),
		slog.Duration("interval", f.interval),
	)
	defer f.logger.Info("price feeder stopped")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		f.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads every reference once and returns how many readings were
// written. Failures are logged and do not stop the poll.
func (f *PriceFeeder) Poll(ctx context.Context) int {
	written := 0
	for _, ref := range f.refs {
		r, err := f.source.Read(ctx, ref)
		if err != nil {
			f.logger.WarnContext(ctx, "price feeder: read failed",
				slog.String("reference", ref.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if prev, ok := f.last[ref]; ok && !r.PublishedAt.After(prev) {
			continue
		}
		if err := f.sink.SetPrice(ctx, ref, r); err != nil {
			f.logger.WarnContext(ctx, "price feeder: write failed",
				slog.String("reference", ref.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.last[ref] = r.PublishedAt
		written++
	}
	return written
}
