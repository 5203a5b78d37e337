package plans

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Key identifies a plan
type Key string

const (
	KeyBase       Key = "base"
	KeyStarter    Key = "starter"
	KeyProMonthly Key = "pro_monthly"
	KeyProYearly  Key = "pro_yearly"
)

// Interval is the billing interval of a plan
type Interval string

const (
	IntervalNone  Interval = "none"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// LowestPriority is the rank given to keys the catalog does not know
const LowestPriority = 0

// Definition describes a single plan
type Definition struct {
	Key            Key             `json:"key"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	MonthlyCredits int             `json:"monthly_credits"`
	Interval       Interval        `json:"interval"`
	Priority       int             `json:"priority"`
	OneTime        bool            `json:"one_time"`
}

// Source provides the catalog currently in effect
type Source interface {
	Current() *Catalog
}

// Catalog is an immutable set of plan definitions plus the provider price ids
// configured for them
type Catalog struct {
	defs     map[Key]Definition
	order    []Key
	fallback Key
	prices   map[Key]string
	byPrice  map[string]Key
}

// DefaultDefinitions returns the built-in plan table
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Key:            KeyBase,
			Name:           "Base",
			Price:          decimal.Zero,
			Currency:       "usd",
			MonthlyCredits: 5,
			Interval:       IntervalNone,
			Priority:       0,
		},
		{
			Key:            KeyStarter,
			Name:           "Starter Pack",
			Price:          decimal.RequireFromString("9.99"),
			Currency:       "usd",
			MonthlyCredits: 25,
			Interval:       IntervalNone,
			Priority:       1,
			OneTime:        true,
		},
		{
			Key:            KeyProMonthly,
			Name:           "Pro Monthly",
			Price:          decimal.RequireFromString("19.99"),
			Currency:       "usd",
			MonthlyCredits: 100,
			Interval:       IntervalMonth,
			Priority:       2,
		},
		{
			Key:            KeyProYearly,
			Name:           "Pro Yearly",
			Price:          decimal.RequireFromString("191.90"),
			Currency:       "usd",
			MonthlyCredits: 150,
			Interval:       IntervalYear,
			Priority:       3,
		},
	}
}

// DefaultCatalog returns the built-in catalog with the given price ids
func DefaultCatalog(prices map[Key]string) *Catalog {
	c, err := NewCatalog(DefaultDefinitions(), KeyBase, prices)
	if err != nil {
		// built-in table is static
		panic(err)
	}
	return c
}

// NewCatalog builds a catalog. fallback must name one of defs.
func NewCatalog(defs []Definition, fallback Key, prices map[Key]string) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("catalog has no plans")
	}

	c := &Catalog{
		defs:     make(map[Key]Definition, len(defs)),
		order:    make([]Key, 0, len(defs)),
		fallback: fallback,
		prices:   make(map[Key]string),
		byPrice:  make(map[string]Key),
	}

	for _, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("plan key is required")
		}
		if _, exists := c.defs[d.Key]; exists {
			return nil, fmt.Errorf("duplicate plan key: %s", d.Key)
		}
		if d.MonthlyCredits < 0 {
			return nil, fmt.Errorf("plan %s: credits must not be negative", d.Key)
		}
		if d.Price.IsNegative() {
			return nil, fmt.Errorf("plan %s: price must not be negative", d.Key)
		}
		switch d.Interval {
		case IntervalNone, IntervalMonth, IntervalYear:
		case "":
			d.Interval = IntervalNone
		default:
			return nil, fmt.Errorf("plan %s: invalid interval %q", d.Key, d.Interval)
		}
		c.defs[d.Key] = d
		c.order = append(c.order, d.Key)
	}

	if _, ok := c.defs[fallback]; !ok {
		return nil, fmt.Errorf("default plan %q is not in the catalog", fallback)
	}

	for key, priceID := range prices {
		if priceID == "" {
			continue
		}
		if _, ok := c.defs[key]; !ok {
			return nil, fmt.Errorf("price configured for unknown plan %q", key)
		}
		if other, dup := c.byPrice[priceID]; dup {
			return nil, fmt.Errorf("price %s mapped to both %s and %s", priceID, other, key)
		}
		c.prices[key] = priceID
		c.byPrice[priceID] = key
	}

	sort.SliceStable(c.order, func(i, j int) bool {
		return c.defs[c.order[i]].Priority < c.defs[c.order[j]].Priority
	})

	return c, nil
}

// Current lets a *Catalog act as a fixed Source
func (c *Catalog) Current() *Catalog {
	return c
}

// DefaultKey returns the plan unknown keys resolve to
func (c *Catalog) DefaultKey() Key {
	return c.fallback
}

// Lookup returns the definition for key and whether it exists
func (c *Catalog) Lookup(key Key) (Definition, bool) {
	d, ok := c.defs[key]
	return d, ok
}

// DefinitionOf returns the definition for key, or the default plan's
// definition when key is unknown.
func (c *Catalog) DefinitionOf(key Key) Definition {
	if d, ok := c.defs[key]; ok {
		return d
	}
	return c.defs[c.fallback]
}

// PriorityOf returns the rank of key, LowestPriority when unknown
func (c *Catalog) PriorityOf(key Key) int {
	if d, ok := c.defs[key]; ok {
		return d.Priority
	}
	return LowestPriority
}

// IsDowngrade reports whether moving from current to target lowers the tier.
// One-time packs add credits on top of any tier and are never a downgrade.
func (c *Catalog) IsDowngrade(current, target Key) bool {
	if d, ok := c.defs[target]; ok && d.OneTime {
		return false
	}
	return c.PriorityOf(target) < c.PriorityOf(current)
}

// ExternalPriceID returns the provider price id configured for key
func (c *Catalog) ExternalPriceID(key Key) (string, bool) {
	id, ok := c.prices[key]
	return id, ok
}

// PlanForPrice maps a provider price id back to a plan key
func (c *Catalog) PlanForPrice(priceID string) (Key, bool) {
	if priceID == "" {
		return "", false
	}
	key, ok := c.byPrice[priceID]
	return key, ok
}

// Definitions returns all plans ordered by priority
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.defs[key])
	}
	return out
}
