package catalog

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/DukeRupert/riskquota/internal/domain"
)

// UpgradeOption is a tier offered in a denial response.
type UpgradeOption struct {
	TierID       domain.TierID `json:"tier"`
	Name         string        `json:"name"`
	Price        string        `json:"price"`
	PriceCents   int64         `json:"price_cents,omitempty"`
	Features     []string      `json:"features"`
	ContactSales bool          `json:"contact_sales,omitempty"`
}

var (
	titleCaser = cases.Title(language.English)
	printer    = message.NewPrinter(language.AmericanEnglish)
)

// UpgradeOptions returns the tiers ranked above from, cheapest first.
// An unknown tier is treated as free.
func (c *Catalog) UpgradeOptions(from domain.TierID) []UpgradeOption {
	current, ok := c.tiers[from]
	if !ok {
		current = c.tiers[domain.TierFree]
	}

	var opts []UpgradeOption
	for _, t := range c.ordered {
		if t.Rank <= current.Rank {
			continue
		}
		opts = append(opts, newUpgradeOption(t))
	}
	return opts
}

func newUpgradeOption(t *domain.Tier) UpgradeOption {
	opt := UpgradeOption{
		TierID:       t.ID,
		Name:         titleCaser.String(t.DisplayName),
		ContactSales: t.ContactSales,
		Features:     make([]string, 0, len(t.Features)),
	}
	for _, f := range t.Features {
		opt.Features = append(opt.Features, string(f))
	}
	if t.ContactSales {
		opt.Price = "Contact sales"
		return opt
	}
	opt.PriceCents = t.MonthlyPriceCents
	opt.Price = FormatPrice(t.MonthlyPriceCents)
	return opt
}

// FormatPrice renders a monthly price in cents, e.g. "$1,490.00/month".
func FormatPrice(cents int64) string {
	return printer.Sprintf("$%.2f/month", float64(cents)/100)
}
