package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
)

const (
	// MaxTotalDiscountBps caps the combined quality+age discount at 50%.
	MaxTotalDiscountBps = 5000
	// MaxAgeDiscountBps caps the age discount alone at 20%, before the
	// total cap applies. Both caps are load-bearing: the individual cap
	// keeps an old certificate from dominating, the total cap keeps the
	// sum within policy even when quality alone runs high.
	MaxAgeDiscountBps = 2000
	// DefaultAgeRateBpsPerDay is the default depreciation per day of
	// certificate age for agricultural commodities.
	DefaultAgeRateBpsPerDay = 10

	daySeconds = 86400
	bpsDenom   = 10000
)

var (
	ErrDiscountTooHigh = errors.New("discount exceeds maximum")
	ErrInvalidGrade    = errors.New("invalid quality grade")
)

// FeedReader is the slice of the price adapter the oracle consumes.
type FeedReader interface {
	GetPrice(ctx context.Context, asset string) (models.PriceQuote, error)
	Config(asset string) (models.PriceFeedConfig, bool)
}

// Valuation is the discounted value of a commodity position.
type Valuation struct {
	Asset              string          `json:"asset"`
	BaseValue          *big.Int        `json:"base_value"`
	AdjustedValue      *big.Int        `json:"adjusted_value"`
	AdjustedValueUSD   decimal.Decimal `json:"adjusted_value_usd"`
	QualityDiscountBps uint32          `json:"quality_discount_bps"`
	AgeDiscountBps     uint32          `json:"age_discount_bps"`
	TotalDiscountBps   uint32          `json:"total_discount_bps"`
	ConfidenceBps      uint32          `json:"confidence_bps"`
	PricedAt           time.Time       `json:"priced_at"`
}

type gradeKey struct {
	category models.CommodityCategory
	grade    string
}

// Oracle composes validated feed prices with quality-grade and age-based
// depreciation discounts.
type Oracle struct {
	feeds FeedReader
	clock clock.Clock

	mu         sync.RWMutex
	quality    map[gradeKey]uint32
	ageRateBps uint32
}

func New(feeds FeedReader, clk clock.Clock) *Oracle {
	if clk == nil {
		clk = clock.System{}
	}
	return &Oracle{
		feeds:      feeds,
		clock:      clk,
		quality:    map[gradeKey]uint32{},
		ageRateBps: DefaultAgeRateBpsPerDay,
	}
}

// SetQualityDiscount registers the discount for a (category, grade) pair.
func (o *Oracle) SetQualityDiscount(category models.CommodityCategory, grade string, bps uint32) error {
	grade = normalizeGrade(grade)
	if grade == "" {
		return ErrInvalidGrade
	}
	if bps > MaxTotalDiscountBps {
		return ErrDiscountTooHigh
	}
	o.mu.Lock()
	o.quality[gradeKey{category, grade}] = bps
	o.mu.Unlock()
	return nil
}

// SetAgeRate adjusts the per-day depreciation rate.
func (o *Oracle) SetAgeRate(bpsPerDay uint32) error {
	if bpsPerDay > MaxAgeDiscountBps {
		return ErrDiscountTooHigh
	}
	o.mu.Lock()
	o.ageRateBps = bpsPerDay
	o.mu.Unlock()
	return nil
}

// GetAdjustedValue prices amount units of the asset and applies discounts.
// certDate is zero when no certificate is supplied; amount is in the
// asset's native 18-decimal fixed-point units.
func (o *Oracle) GetAdjustedValue(ctx context.Context, asset string, amount *big.Int, grade string, certDate time.Time) (Valuation, error) {
	quote, err := o.feeds.GetPrice(ctx, asset)
	if err != nil {
		return Valuation{}, err
	}
	cfg, _ := o.feeds.Config(asset)

	base := new(big.Int).Mul(amount, quote.Price)
	base.Quo(base, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	qualityBps := o.qualityDiscount(cfg.Category, grade)
	ageBps := o.ageDiscount(cfg.Category, certDate)

	totalBps := qualityBps + ageBps
	if totalBps > MaxTotalDiscountBps {
		totalBps = MaxTotalDiscountBps
	}

	adjusted := new(big.Int).Mul(base, big.NewInt(int64(bpsDenom-totalBps)))
	adjusted.Quo(adjusted, big.NewInt(bpsDenom))

	return Valuation{
		Asset:              asset,
		BaseValue:          base,
		AdjustedValue:      adjusted,
		AdjustedValueUSD:   decimal.NewFromBigInt(adjusted, -TargetDecimalExp),
		QualityDiscountBps: qualityBps,
		AgeDiscountBps:     ageBps,
		TotalDiscountBps:   totalBps,
		ConfidenceBps:      quote.ConfidenceBps,
		PricedAt:           quote.Timestamp,
	}, nil
}

// TargetDecimalExp is the fixed-point exponent of adjusted values.
const TargetDecimalExp = 18

func (o *Oracle) qualityDiscount(category models.CommodityCategory, grade string) uint32 {
	grade = normalizeGrade(grade)
	if grade == "" {
		return 0
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.quality[gradeKey{category, grade}]
}

// ageDiscount applies only to agricultural commodities with a certificate
// date, capped at MaxAgeDiscountBps before it is summed with quality.
func (o *Oracle) ageDiscount(category models.CommodityCategory, certDate time.Time) uint32 {
	if category != models.CategoryAgricultural || certDate.IsZero() {
		return 0
	}
	now := o.clock.Now()
	if !now.After(certDate) {
		return 0
	}
	ageDays := uint64(now.Unix()-certDate.Unix()) / daySeconds
	o.mu.RLock()
	rate := uint64(o.ageRateBps)
	o.mu.RUnlock()
	bps := ageDays * rate
	if bps > MaxAgeDiscountBps {
		return MaxAgeDiscountBps
	}
	return uint32(bps)
}

func normalizeGrade(grade string) string {
	return strings.ToUpper(strings.TrimSpace(grade))
}
