package pricing

import (
	"math"

	"github.com/metergate/metergate/internal/models"
)

// Usage carries normalized token counts for one request. InputTokens is
// the count billed at the full input rate: provider adapters subtract the
// cached buckets before building it, because OpenAI and Google report
// cached tokens as a subset of the prompt while Anthropic reports them
// separately.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int // anthropic cache write
	CacheReadTokens     int // anthropic cache read
	CachedPromptTokens  int // openai cached prompt subset
	CachedContentTokens int // google cached content subset
}

func (u Usage) cachedTokens() int {
	return u.CacheReadTokens + u.CachedPromptTokens + u.CachedContentTokens
}

// TotalInputTokens is the full prompt-side size including cache buckets.
func (u Usage) TotalInputTokens() int {
	return u.InputTokens + u.CacheCreationTokens + u.cachedTokens()
}

// Breakdown is one priced request in USD.
type Breakdown struct {
	InputUSD      float64
	OutputUSD     float64
	CacheWriteUSD float64
	CacheReadUSD  float64
	TotalUSD      float64

	HighContext    bool
	CacheHitRate   float64 // cached fraction of prompt-side tokens, 0..1
	SavingsPercent float64 // against pricing every input token at the full rate
}

// Cost prices normalized usage against one pricing row. It is a pure
// function of its arguments.
//
// When the input exceeds the row's context threshold the high-context
// columns apply, each falling back to its base column when unset. Cache
// writes fall back to the input rate; cache reads fall back to a
// provider-shaped discount of it (10% for Anthropic and Google, 50% for
// OpenAI). At most one cache-read bucket is set per request.
func Cost(p *models.VendorPricing, u Usage) Breakdown {
	highContext := p.ContextThresholdTokens != nil && u.InputTokens > *p.ContextThresholdTokens

	pIn := pick(highContext, p.InputPricePer1KHighContext, p.InputPricePer1K)
	pOut := pick(highContext, p.OutputPricePer1KHighContext, p.OutputPricePer1K)
	pCw := pickPtr(highContext, p.CacheWritePricePer1KHighContext, p.CacheWritePricePer1K)
	pCr := pickPtr(highContext, p.CacheReadPricePer1KHighContext, p.CacheReadPricePer1K)

	b := Breakdown{HighContext: highContext}
	b.InputUSD = float64(u.InputTokens) * pIn / 1000
	b.OutputUSD = float64(u.OutputTokens) * pOut / 1000

	if u.CacheCreationTokens > 0 {
		rate := pIn
		if pCw != nil {
			rate = *pCw
		}
		b.CacheWriteUSD = float64(u.CacheCreationTokens) * rate / 1000
	}

	switch {
	case u.CacheReadTokens > 0:
		b.CacheReadUSD = float64(u.CacheReadTokens) * readRate(pCr, pIn, 0.1) / 1000
	case u.CachedPromptTokens > 0:
		b.CacheReadUSD = float64(u.CachedPromptTokens) * readRate(pCr, pIn, 0.5) / 1000
	case u.CachedContentTokens > 0:
		b.CacheReadUSD = float64(u.CachedContentTokens) * readRate(pCr, pIn, 0.1) / 1000
	}

	b.TotalUSD = b.InputUSD + b.OutputUSD + b.CacheWriteUSD + b.CacheReadUSD

	if cached := u.cachedTokens(); cached > 0 {
		total := u.TotalInputTokens()
		if total > 0 {
			b.CacheHitRate = float64(cached) / float64(total)
		}
		hypothetical := float64(total)*pIn/1000 + b.OutputUSD
		if hypothetical > 0 {
			b.SavingsPercent = (hypothetical - b.TotalUSD) / hypothetical * 100
		}
	}

	return b
}

// Credits converts vendor cost to whole credits: one credit per cent of
// marked-up cost, rounded up, never below one.
func Credits(vendorCostUSD, multiplier float64) int64 {
	c := ceilCents(vendorCostUSD * multiplier)
	if c < 1 {
		return 1
	}
	return c
}

// BucketCredits rounds one cost bucket for attribution. Unlike Credits it
// has no floor, so empty buckets stay zero.
func BucketCredits(bucketUSD, multiplier float64) int64 {
	return ceilCents(bucketUSD * multiplier)
}

func ceilCents(usd float64) int64 {
	cents := usd * 100
	// shave float drift before the ceiling so exact cent values do not
	// round up an extra credit
	cents = math.Round(cents*1e9) / 1e9
	return int64(math.Ceil(cents))
}

func pick(high bool, highPrice *float64, base float64) float64 {
	if high && highPrice != nil {
		return *highPrice
	}
	return base
}

func pickPtr(high bool, highPrice, base *float64) *float64 {
	if high && highPrice != nil {
		return highPrice
	}
	return base
}

func readRate(pCr *float64, pIn, discount float64) float64 {
	if pCr != nil {
		return *pCr
	}
	return pIn * discount
}
