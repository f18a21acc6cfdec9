package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
	"guardrail/pkg/store"
)

const (
	// TargetDecimals is the fixed-point precision every quote is scaled to.
	TargetDecimals = 18
	// FullConfidenceBps is the confidence of a zero-staleness quote.
	FullConfidenceBps = 10000
)

var (
	ErrFeedNotConfigured = errors.New("price feed not configured")
	ErrStalePrice        = errors.New("price is stale")
	ErrInvalidPrice      = errors.New("price is not positive")
	ErrSourceUnavailable = errors.New("price source unavailable")
	ErrInvalidConfig     = errors.New("invalid feed config")
)

// Adapter wraps external price sources behind freshness and positivity
// validation. GetPrice is the hard-guarantee path; TryGetPrice degrades
// gracefully for callers that can tolerate an invalid quote.
type Adapter struct {
	clock clock.Clock
	cache store.Cache

	mu      sync.RWMutex
	configs map[string]models.PriceFeedConfig
	sources map[string]Source
}

func NewAdapter(clk clock.Clock, cache store.Cache) *Adapter {
	if clk == nil {
		clk = clock.System{}
	}
	return &Adapter{
		clock:   clk,
		cache:   cache,
		configs: map[string]models.PriceFeedConfig{},
		sources: map[string]Source{},
	}
}

// Register installs or replaces the feed wiring for an asset.
func (a *Adapter) Register(cfg models.PriceFeedConfig, src Source) error {
	cfg.Asset = strings.TrimSpace(cfg.Asset)
	if cfg.Asset == "" || cfg.HeartbeatSeconds == 0 || cfg.Decimals > 30 {
		return ErrInvalidConfig
	}
	if src == nil {
		return ErrInvalidConfig
	}
	a.mu.Lock()
	a.configs[cfg.Asset] = cfg
	a.sources[cfg.Asset] = src
	a.mu.Unlock()
	return nil
}

// SetActive toggles a feed without discarding its wiring.
func (a *Adapter) SetActive(asset string, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.configs[asset]
	if !ok {
		return ErrFeedNotConfigured
	}
	cfg.Active = active
	a.configs[asset] = cfg
	return nil
}

func (a *Adapter) Config(asset string) (models.PriceFeedConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg, ok := a.configs[asset]
	return cfg, ok
}

func (a *Adapter) List() []models.PriceFeedConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.PriceFeedConfig, 0, len(a.configs))
	for _, cfg := range a.configs {
		out = append(out, cfg)
	}
	return out
}

// GetPrice returns a validated 18-decimal quote or a hard error.
func (a *Adapter) GetPrice(ctx context.Context, asset string) (models.PriceQuote, error) {
	a.mu.RLock()
	cfg, ok := a.configs[asset]
	src := a.sources[asset]
	a.mu.RUnlock()
	if !ok || !cfg.Active {
		return models.PriceQuote{}, ErrFeedNotConfigured
	}
	raw, updatedAt, err := src.LatestValue(ctx)
	if err != nil {
		return models.PriceQuote{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if raw == nil || raw.Sign() <= 0 {
		return models.PriceQuote{}, ErrInvalidPrice
	}
	now := a.clock.Now()
	staleness := int64(0)
	if now.After(updatedAt) {
		staleness = now.Unix() - updatedAt.Unix()
	}
	if uint64(staleness) > cfg.HeartbeatSeconds {
		return models.PriceQuote{}, ErrStalePrice
	}
	quote := models.PriceQuote{
		Asset:         asset,
		Price:         ScaleDecimals(raw, cfg.Decimals, TargetDecimals),
		Timestamp:     updatedAt,
		ConfidenceBps: Confidence(uint64(staleness), cfg.HeartbeatSeconds),
		Valid:         true,
	}
	a.cacheQuote(ctx, quote, cfg.HeartbeatSeconds)
	return quote, nil
}

// TryGetPrice never fails: on any validation or source problem it returns
// a zero quote with Valid=false.
func (a *Adapter) TryGetPrice(ctx context.Context, asset string) models.PriceQuote {
	quote, err := a.GetPrice(ctx, asset)
	if err != nil {
		return models.PriceQuote{Asset: asset, Price: big.NewInt(0), Valid: false}
	}
	return quote
}

// LastGood returns the most recent successfully validated quote from the
// cache, if one is still within its heartbeat TTL. Observability only; the
// validated paths never serve from cache.
func (a *Adapter) LastGood(ctx context.Context, asset string) (models.PriceQuote, bool) {
	if a.cache == nil {
		return models.PriceQuote{}, false
	}
	raw, err := a.cache.Get(ctx, quoteCacheKey(asset))
	if err != nil {
		return models.PriceQuote{}, false
	}
	var quote models.PriceQuote
	if err := json.Unmarshal([]byte(raw), &quote); err != nil {
		return models.PriceQuote{}, false
	}
	return quote, true
}

func (a *Adapter) cacheQuote(ctx context.Context, quote models.PriceQuote, heartbeat uint64) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(quote)
	if err != nil {
		return
	}
	_ = a.cache.Set(ctx, quoteCacheKey(quote.Asset), string(raw), time.Duration(heartbeat)*time.Second)
}

func quoteCacheKey(asset string) string { return "quote:" + asset }

// ScaleDecimals converts between fixed-point precisions. Scaling down
// truncates toward zero.
func ScaleDecimals(price *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(price)
	if to > from {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil)
		return out.Mul(out, mul)
	}
	if from > to {
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil)
		return out.Quo(out, div)
	}
	return out
}

// Confidence decays linearly from 10000 at zero staleness to 0 at or
// beyond the heartbeat.
func Confidence(stalenessSec, heartbeatSec uint64) uint32 {
	if heartbeatSec == 0 || stalenessSec >= heartbeatSec {
		return 0
	}
	return uint32(FullConfidenceBps - stalenessSec*FullConfidenceBps/heartbeatSec)
}
