package accounting

import (
	"fmt"
	"math"
	"sort"
)

// Pricing はプランとクレジット換算の方針です。1 クレジットは MinutesPerCredit 分です。
type Pricing struct {
	MinutesPerCredit float64
	Precision        int
	Plans            map[string]float64
}

// DefaultPricing は free / basic / premium の既定プランです。
func DefaultPricing() Pricing {
	return Pricing{
		MinutesPerCredit: 60,
		Precision:        2,
		Plans: map[string]float64{
			"free":    0.25,
			"basic":   3,
			"premium": 10,
		},
	}
}

// Round は Precision 桁に丸めます。
func (p Pricing) Round(v float64) float64 {
	pow := math.Pow10(p.Precision)
	return math.Round(v*pow) / pow
}

// CreditsForMinutes は分数を丸めたクレジットに換算します。
func (p Pricing) CreditsForMinutes(minutes int) float64 {
	return p.Round(float64(minutes) / p.MinutesPerCredit)
}

// MinutesForCredits は残高で利用できる分数です。端数は切り捨てます。
func (p Pricing) MinutesForCredits(credits float64) int {
	if credits <= 0 {
		return 0
	}
	return int(math.Floor(credits*p.MinutesPerCredit + 1e-9))
}

// Plan はプランに付与されるクレジットを返します。
func (p Pricing) Plan(name string) (float64, bool) {
	c, ok := p.Plans[name]
	return c, ok
}

// PlanNames はクレジットの少ない順のプラン名です。
func (p Pricing) PlanNames() []string {
	names := make([]string, 0, len(p.Plans))
	for n := range p.Plans {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if p.Plans[names[i]] == p.Plans[names[j]] {
			return names[i] < names[j]
		}
		return p.Plans[names[i]] < p.Plans[names[j]]
	})
	return names
}

// Describe は残高を "0.25 credits (~15 min)" の形式で表します。
func (p Pricing) Describe(credits float64) string {
	return fmt.Sprintf("%.*f credits (~%d min)", p.Precision, p.Round(credits), p.MinutesForCredits(credits))
}
