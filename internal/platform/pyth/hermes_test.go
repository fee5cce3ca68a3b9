package pyth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

const btcFeed = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func TestHermesRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/updates/price/latest", r.URL.Path)
		assert.Equal(t, []string{btcFeed}, r.URL.Query()["ids[]"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"binary":{"encoding":"hex","data":[]},"parsed":[{"id":"` + btcFeed + `",
			"price":{"price":"6412345000000","conf":"3150000","expo":-8,"publish_time":1700000000},
			"ema_price":{"price":"6400000000000","conf":"3000000","expo":-8,"publish_time":1700000000}}]}`))
	}))
	defer srv.Close()

	c := NewHermesClient(srv.URL+"/", map[string]string{"BTC/USD": "0x" + btcFeed}, time.Second)
	r, err := c.Read(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 6412345000000.0, r.Price)
	assert.Equal(t, int32(-8), r.Expo)
	assert.Equal(t, 3150000.0, r.Confidence)
	assert.Equal(t, int64(1700000000), r.PublishedAt.Unix())
}

func TestHermesReadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHermesClient(srv.URL, map[string]string{"BTC/USD": btcFeed}, time.Second)

	_, err := c.Read(context.Background(), "ETH/USD")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Read(context.Background(), "BTC/USD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}
