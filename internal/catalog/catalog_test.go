package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	pairs []string
	err   error
	calls int
}

func (s *stubLister) ListAllTickers(ctx context.Context) ([]string, error) {
	s.calls++
	return s.pairs, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilterTickers(t *testing.T) {
	tests := []struct {
		name       string
		pairs      []string
		base       string
		deprecated []string
		expected   []string
	}{
		{
			name:       "drops foreign quote, short and deprecated tickers",
			pairs:      []string{"BTCUSDT", "ETHBTC", "AEBTC", "XBTC"},
			base:       "BTC",
			deprecated: []string{"AE"},
			expected:   []string{"ETH"},
		},
		{
			name:     "preserves provider order",
			pairs:    []string{"LTCBTC", "ETHBTC", "ADABTC"},
			base:     "BTC",
			expected: []string{"LTC", "ETH", "ADA"},
		},
		{
			name:     "removes duplicates",
			pairs:    []string{"ETHBTC", "LTCBTC", "ETHBTC"},
			base:     "BTC",
			expected: []string{"ETH", "LTC"},
		},
		{
			name:     "usdt base",
			pairs:    []string{"BTCUSDT", "ETHUSDT", "ETHBTC"},
			base:     "USDT",
			expected: []string{"BTC", "ETH"},
		},
		{
			name:     "no matches",
			pairs:    []string{"BTCUSDT"},
			base:     "BNB",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, tt.deprecated, testLogger())
			assert.Equal(t, tt.expected, FilterTickers(tt.pairs, tt.base, c.deprecated))
		})
	}
}

func TestCatalogListSymbols(t *testing.T) {
	t.Run("filters the provider list", func(t *testing.T) {
		lister := &stubLister{pairs: []string{"BTCUSDT", "ETHBTC", "AEBTC", "XBTC"}}
		c := New(lister, []string{"ae"}, testLogger())

		tickers, err := c.ListSymbols(context.Background(), "btc")
		require.NoError(t, err)
		assert.Equal(t, []string{"ETH"}, tickers)
		assert.Equal(t, 1, lister.calls)
	})

	t.Run("propagates provider errors", func(t *testing.T) {
		providerErr := kerrors.NewTransientError(errors.New("timeout"), "exchange", "list_all_tickers")
		c := New(&stubLister{err: providerErr}, nil, testLogger())

		_, err := c.ListSymbols(context.Background(), "BTC")
		require.Error(t, err)
		assert.True(t, errors.Is(err, kerrors.ErrTransient))
	})

	t.Run("empty base currency is a configuration error", func(t *testing.T) {
		lister := &stubLister{}
		c := New(lister, nil, testLogger())

		_, err := c.ListSymbols(context.Background(), "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, kerrors.ErrConfiguration))
		assert.Equal(t, 0, lister.calls)
	})
}
