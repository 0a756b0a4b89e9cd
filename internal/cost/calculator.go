// Package cost estimates provider spend from usage counts.
package cost

import "math"

// Rates holds per-unit provider prices in USD.
type Rates struct {
	TraceBasic    float64 // per submitted row, basic depth
	TraceEnhanced float64 // per submitted row, enhanced depth
	ScorePerPhone float64
	SMSPerMessage float64
}

// DefaultRates returns list prices for the stock providers.
func DefaultRates() Rates {
	return Rates{
		TraceBasic:    0.07,
		TraceEnhanced: 0.15,
		ScorePerPhone: 0.01,
		SMSPerMessage: 0.0079,
	}
}

// Calculator turns usage into dollars.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator. Zero rates fall back to DefaultRates
// field by field, so a partial pricing block only overrides what it sets.
func NewCalculator(rates Rates) *Calculator {
	def := DefaultRates()
	if rates.TraceBasic <= 0 {
		rates.TraceBasic = def.TraceBasic
	}
	if rates.TraceEnhanced <= 0 {
		rates.TraceEnhanced = def.TraceEnhanced
	}
	if rates.ScorePerPhone <= 0 {
		rates.ScorePerPhone = def.ScorePerPhone
	}
	if rates.SMSPerMessage <= 0 {
		rates.SMSPerMessage = def.SMSPerMessage
	}
	return &Calculator{rates: rates}
}

// Rates returns the effective rates.
func (c *Calculator) Rates() Rates { return c.rates }

// Trace prices a skip-trace job of rows submitted rows. Providers bill
// every submitted row, matched or not.
func (c *Calculator) Trace(rows int, enhanced bool) float64 {
	rate := c.rates.TraceBasic
	if enhanced {
		rate = c.rates.TraceEnhanced
	}
	return round(float64(max(rows, 0)) * rate)
}

// Scoring prices phones scoring lookups.
func (c *Calculator) Scoring(phones int) float64 {
	return round(float64(max(phones, 0)) * c.rates.ScorePerPhone)
}

// SMS prices messages accepted by the gateway.
func (c *Calculator) SMS(messages int) float64 {
	return round(float64(max(messages, 0)) * c.rates.SMSPerMessage)
}

// round keeps estimates to a hundredth of a cent.
func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
