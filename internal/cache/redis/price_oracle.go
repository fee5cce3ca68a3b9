package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// PriceOracle implements domain.Oracle from a Redis hash per reference at
// "{prefix}price:{reference}" with fields price, expo, conf and ts (Unix
// nanoseconds). An external feeder writes the hash with SetPrice.
type PriceOracle struct {
	rdb    *redis.Client
	prefix string
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceOracle creates a PriceOracle. Readings older than maxAge are
// rejected; a zero maxAge accepts any reading.
func NewPriceOracle(c *Client, prefix string, maxAge time.Duration) *PriceOracle {
	return &PriceOracle{rdb: c.Underlying(), prefix: prefix, maxAge: maxAge, now: time.Now}
}

func (po *PriceOracle) key(ref domain.Reference) string {
	return po.prefix + "price:" + ref.String()
}

// SetPrice stores the latest reading for ref.
func (po *PriceOracle) SetPrice(ctx context.Context, ref domain.Reference, r domain.PriceReading) error {
	if err := po.rdb.HSet(ctx, po.key(ref), EncodeReading(r)).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", ref, err)
	}
	return nil
}

// Read returns the latest reading for ref.
func (po *PriceOracle) Read(ctx context.Context, ref domain.Reference) (domain.PriceReading, error) {
	vals, err := po.rdb.HGetAll(ctx, po.key(ref)).Result()
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("redis: get price %s: %w", ref, err)
	}
	r, err := DecodeReading(vals)
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("redis: price %s: %w", ref, err)
	}
	if po.maxAge > 0 {
		if age := po.now().Sub(r.PublishedAt); age > po.maxAge {
			return domain.PriceReading{}, fmt.Errorf("redis: price %s is stale by %s", ref, age.Round(time.Second))
		}
	}
	return r, nil
}

// EncodeReading returns the hash fields for r.
func EncodeReading(r domain.PriceReading) map[string]any {
	return map[string]any{
		"price": strconv.FormatFloat(r.Price, 'f', -1, 64),
		"expo":  strconv.FormatInt(int64(r.Expo), 10),
		"conf":  strconv.FormatFloat(r.Confidence, 'f', -1, 64),
		"ts":    strconv.FormatInt(r.PublishedAt.UnixNano(), 10),
	}
}

// DecodeReading parses hash fields written by EncodeReading. A missing hash
// or missing price reports domain.ErrNotFound.
func DecodeReading(vals map[string]string) (domain.PriceReading, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceReading{}, domain.ErrNotFound
	}
	var (
		r   domain.PriceReading
		err error
	)
	if r.Price, err = strconv.ParseFloat(priceStr, 64); err != nil {
		return domain.PriceReading{}, fmt.Errorf("parse price: %w", err)
	}
	if s, ok := vals["expo"]; ok {
		expo, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return domain.PriceReading{}, fmt.Errorf("parse expo: %w", err)
		}
		r.Expo = int32(expo)
	}
	if s, ok := vals["conf"]; ok {
		if r.Confidence, err = strconv.ParseFloat(s, 64); err != nil {
			return domain.PriceReading{}, fmt.Errorf("parse conf: %w", err)
		}
	}
	if s, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return domain.PriceReading{}, fmt.Errorf("parse ts: %w", err)
		}
		r.PublishedAt = time.Unix(0, ns)
	}
	return r, nil
}

var _ domain.Oracle = (*PriceOracle)(nil)
