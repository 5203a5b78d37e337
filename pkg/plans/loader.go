package plans

import (
	"bytes"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk layout of a plan catalog
type fileFormat struct {
	Default Key         `yaml:"default"`
	Plans   []planEntry `yaml:"plans"`
}

type planEntry struct {
	Key      Key      `yaml:"key"`
	Name     string   `yaml:"name"`
	Price    string   `yaml:"price"`
	Currency string   `yaml:"currency"`
	Credits  int      `yaml:"credits"`
	Interval Interval `yaml:"interval"`
	Priority int      `yaml:"priority"`
	OneTime  bool     `yaml:"one_time"`
	PriceID  string   `yaml:"price_id"`
}

// LoadFile reads a YAML catalog. Price ids in overrides win over the ones
// in the file.
func LoadFile(path string, overrides map[Key]string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return Parse(data, overrides)
}

// Parse decodes a YAML catalog document
func Parse(data []byte, overrides map[Key]string) (*Catalog, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	defs := make([]Definition, 0, len(f.Plans))
	prices := make(map[Key]string)
	for _, p := range f.Plans {
		price := decimal.Zero
		if p.Price != "" {
			parsed, err := decimal.NewFromString(p.Price)
			if err != nil {
				return nil, fmt.Errorf("plan %s: invalid price %q: %w", p.Key, p.Price, err)
			}
			price = parsed
		}
		currency := p.Currency
		if currency == "" {
			currency = "usd"
		}
		defs = append(defs, Definition{
			Key:            p.Key,
			Name:           p.Name,
			Price:          price,
			Currency:       currency,
			MonthlyCredits: p.Credits,
			Interval:       p.Interval,
			Priority:       p.Priority,
			OneTime:        p.OneTime,
		})
		if p.PriceID != "" {
			prices[p.Key] = p.PriceID
		}
	}

	for key, id := range overrides {
		if id != "" {
			prices[key] = id
		}
	}

	fallback := f.Default
	if fallback == "" {
		fallback = KeyBase
	}

	return NewCatalog(defs, fallback, prices)
}
