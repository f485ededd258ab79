// Package catalog holds the static subscription tier definitions.
//
// The catalog is loaded once at start-up and is read-only afterwards, so a
// single *Catalog is shared by every request without locking.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/DukeRupert/riskquota/internal/domain"
)

//go:embed tiers.yaml
var defaultCatalog []byte

// File is the YAML layout of a catalog document.
type File struct {
	TrialEndpoints []string   `yaml:"trial_endpoints"`
	Tiers          []TierFile `yaml:"tiers"`
}

// TierFile is one tier entry in a catalog document.
type TierFile struct {
	ID                string         `yaml:"id"`
	Rank              int            `yaml:"rank"`
	DisplayName       string         `yaml:"display_name"`
	MonthlyPriceCents int64          `yaml:"monthly_price_cents"`
	ContactSales      bool           `yaml:"contact_sales"`
	Features          []string       `yaml:"features"`
	DataSources       []string       `yaml:"data_sources"`
	MonthlyQuota      map[string]int `yaml:"monthly_quota"`
	MaxBatchSize      int            `yaml:"max_batch_size"`
}

// Catalog is the validated, immutable set of tiers.
type Catalog struct {
	tiers          map[domain.TierID]*domain.Tier
	ordered        []*domain.Tier
	trialEndpoints map[domain.EndpointID]bool
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Load(defaultCatalog)
}

// LoadFile reads and parses a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Load(data)
}

// Load parses a YAML catalog and validates it.
func Load(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f)
}

// New builds a catalog from its document form and validates it.
func New(f File) (*Catalog, error) {
	c := &Catalog{
		tiers:          make(map[domain.TierID]*domain.Tier, len(f.Tiers)),
		trialEndpoints: make(map[domain.EndpointID]bool, len(f.TrialEndpoints)),
	}

	ranks := make(map[int]domain.TierID)
	for _, tf := range f.Tiers {
		if tf.ID == "" {
			return nil, fmt.Errorf("catalog: tier with empty id")
		}
		id := domain.TierID(tf.ID)
		if _, dup := c.tiers[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate tier %q", tf.ID)
		}
		if other, dup := ranks[tf.Rank]; dup {
			return nil, fmt.Errorf("catalog: tiers %q and %q share rank %d", other, tf.ID, tf.Rank)
		}
		ranks[tf.Rank] = id

		t := &domain.Tier{
			ID:                id,
			Rank:              tf.Rank,
			DisplayName:       tf.DisplayName,
			MonthlyPriceCents: tf.MonthlyPriceCents,
			ContactSales:      tf.ContactSales,
			MonthlyQuota:      make(map[domain.EndpointID]int, len(tf.MonthlyQuota)),
			MaxBatchSize:      tf.MaxBatchSize,
		}
		if t.DisplayName == "" {
			t.DisplayName = tf.ID
		}
		for _, feat := range tf.Features {
			t.Features = append(t.Features, domain.FeatureFlag(feat))
		}
		for _, src := range tf.DataSources {
			t.DataSources = append(t.DataSources, domain.DataSourceID(src))
		}
		for ep, q := range tf.MonthlyQuota {
			if q < domain.Unlimited {
				return nil, fmt.Errorf("catalog: tier %q endpoint %q has invalid quota %d", tf.ID, ep, q)
			}
			t.MonthlyQuota[domain.EndpointID(ep)] = q
		}

		c.tiers[id] = t
		c.ordered = append(c.ordered, t)
	}

	if _, ok := c.tiers[domain.TierFree]; !ok {
		return nil, fmt.Errorf("catalog: missing %q tier", domain.TierFree)
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].Rank < c.ordered[j].Rank
	})

	for _, ep := range f.TrialEndpoints {
		c.trialEndpoints[domain.EndpointID(ep)] = true
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Tier returns the tier with the given id.
func (c *Catalog) Tier(id domain.TierID) (*domain.Tier, error) {
	const op = "catalog.tier"

	t, ok := c.tiers[id]
	if !ok {
		return nil, domain.NotFound(op, "tier", string(id))
	}
	return t, nil
}

// Ordered returns every tier in ascending rank.
func (c *Catalog) Ordered() []*domain.Tier {
	out := make([]*domain.Tier, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// IsTrialEndpoint reports whether non-paid use of the endpoint is gated by the
// trial rather than the free tier's monthly quota.
func (c *Catalog) IsTrialEndpoint(endpoint domain.EndpointID) bool {
	return c.trialEndpoints[endpoint]
}

// Endpoints returns every endpoint that appears in any tier's quota map.
func (c *Catalog) Endpoints() []domain.EndpointID {
	seen := make(map[domain.EndpointID]bool)
	var out []domain.EndpointID
	for _, t := range c.ordered {
		for ep := range t.MonthlyQuota {
			if !seen[ep] {
				seen[ep] = true
				out = append(out, ep)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that each tier is a superset of the tier below it.
//
// A quota absent from a tier counts as 0 and Unlimited is greater than any
// finite quota.
func (c *Catalog) Validate() error {
	endpoints := c.Endpoints()
	for i := 1; i < len(c.ordered); i++ {
		lower, upper := c.ordered[i-1], c.ordered[i]

		for _, f := range lower.Features {
			if !upper.HasFeature(f) {
				return fmt.Errorf("catalog: tier %q lacks feature %q of lower tier %q", upper.ID, f, lower.ID)
			}
		}
		for _, s := range lower.DataSources {
			if !upper.AllowsDataSource(s) {
				return fmt.Errorf("catalog: tier %q lacks data source %q of lower tier %q", upper.ID, s, lower.ID)
			}
		}
		for _, ep := range endpoints {
			lq, _ := lower.Quota(ep)
			uq, _ := upper.Quota(ep)
			if !domain.QuotaAtMost(lq, uq) {
				return fmt.Errorf("catalog: tier %q quota %d for %q is below lower tier %q (%d)", upper.ID, uq, ep, lower.ID, lq)
			}
		}
		if upper.MaxBatchSize < lower.MaxBatchSize {
			return fmt.Errorf("catalog: tier %q max batch size %d is below lower tier %q (%d)",
				upper.ID, upper.MaxBatchSize, lower.ID, lower.MaxBatchSize)
		}
	}
	return nil
}
