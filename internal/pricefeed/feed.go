// Package pricefeed maintains USD exchange rates for wallet valuation
// and cross-currency conversion. Rates come from the CoinGecko simple
// price API; a failed fetch keeps the last good snapshot, and a fresh
// process starts from hardcoded fallback rates so rate lookups never
// fail.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
)

// DefaultURL is the CoinGecko simple price endpoint.
const DefaultURL = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin,ethereum,tether&vs_currencies=usd"

const redisKey = "coinvest:rates"

// fallbackRates are the compiled-in last-resort USD rates.
var fallbackRates = map[domain.Currency]decimal.Decimal{
	domain.CurrencyBTC:  decimal.NewFromInt(67850),
	domain.CurrencyETH:  decimal.NewFromInt(3450),
	domain.CurrencyUSDT: decimal.NewFromInt(1),
	domain.CurrencyUSD:  decimal.NewFromInt(1),
}

// Feed caches USD rates per currency with periodic refresh. An optional
// Redis client shares the last-good snapshot across instances; pass nil
// to run purely in-memory.
type Feed struct {
	httpClient *http.Client
	url        string
	rdb        *redis.Client
	logger     zerolog.Logger

	mu    sync.RWMutex
	rates map[domain.Currency]decimal.Decimal
	asOf  time.Time
}

// New creates a feed seeded with the fallback rates. If rdb is non-nil
// and holds a previous snapshot, that snapshot wins over the fallbacks.
func New(url string, timeout time.Duration, rdb *redis.Client) *Feed {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	f := &Feed{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		rdb:        rdb,
		logger:     log.With().Str("component", "pricefeed").Logger(),
		rates:      make(map[domain.Currency]decimal.Decimal, len(fallbackRates)),
	}
	for c, r := range fallbackRates {
		f.rates[c] = r
	}
	f.loadFromRedis(context.Background())
	return f
}

// Start refreshes rates immediately and then on every interval until
// the context is cancelled.
func (f *Feed) Start(ctx context.Context, interval time.Duration) {
	if err := f.Refresh(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("initial rate refresh failed, using cached rates")
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Refresh(ctx); err != nil {
					f.logger.Warn().Err(err).Msg("rate refresh failed, keeping last good rates")
				}
			}
		}
	}()
}

// Refresh fetches current rates. On any failure the previous snapshot
// is left untouched.
func (f *Feed) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", domain.ErrRateUnavailable, resp.StatusCode)
	}

	var body map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode rates: %w", err)
	}

	fresh := make(map[domain.Currency]decimal.Decimal)
	for id, currency := range map[string]domain.Currency{
		"bitcoin":  domain.CurrencyBTC,
		"ethereum": domain.CurrencyETH,
		"tether":   domain.CurrencyUSDT,
	} {
		if v, ok := body[id]; ok && v.USD > 0 {
			fresh[currency] = decimal.NewFromFloat(v.USD)
		}
	}
	if len(fresh) == 0 {
		return fmt.Errorf("%w: empty response", domain.ErrRateUnavailable)
	}

	f.mu.Lock()
	for c, r := range fresh {
		f.rates[c] = r
	}
	f.asOf = time.Now().UTC()
	f.mu.Unlock()

	f.storeToRedis(ctx)
	f.logger.Debug().Time("as_of", f.asOf).Msg("refreshed exchange rates")
	return nil
}

// Rate returns the USD rate for a currency. Never fails: falls back to
// the last good snapshot, which at worst is the compiled-in constant.
func (f *Feed) Rate(c domain.Currency) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if r, ok := f.rates[c]; ok {
		return r
	}
	return fallbackRates[domain.CurrencyUSD]
}

// Convert converts an amount between currencies via their USD rates.
func (f *Feed) Convert(amount decimal.Decimal, from, to domain.Currency) decimal.Decimal {
	if from == to {
		return amount
	}
	return amount.Mul(f.Rate(from)).Div(f.Rate(to))
}

// USDValue returns the USD total of a set of balances.
func (f *Feed) USDValue(balances map[domain.Currency]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for c, b := range balances {
		total = total.Add(b.Mul(f.Rate(c)))
	}
	return total
}

// AsOf returns the timestamp of the last successful refresh, zero if
// the feed is still running on fallback rates.
func (f *Feed) AsOf() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.asOf
}

func (f *Feed) loadFromRedis(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	data, err := f.rdb.Get(ctx, redisKey).Bytes()
	if err != nil {
		return
	}
	var snapshot map[domain.Currency]decimal.Decimal
	if json.Unmarshal(data, &snapshot) != nil {
		return
	}
	f.mu.Lock()
	for c, r := range snapshot {
		if r.IsPositive() {
			f.rates[c] = r
		}
	}
	f.mu.Unlock()
}

func (f *Feed) storeToRedis(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	f.mu.RLock()
	data, err := json.Marshal(f.rates)
	f.mu.RUnlock()
	if err != nil {
		return
	}
	if err := f.rdb.Set(ctx, redisKey, data, time.Hour).Err(); err != nil {
		f.logger.Debug().Err(err).Msg("failed to cache rates in redis")
	}
}
