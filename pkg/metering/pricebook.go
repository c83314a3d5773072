package metering

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var perMillion = decimal.NewFromInt(1000000)

type priceEntry struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
}

type priceFile struct {
	Pricing []priceEntry `yaml:"pricing"`
}

// PriceBook maps provider/model pairs to unit prices. It is consulted when a
// caller reports unit counts without prices.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]Pricing
}

// NewPriceBook creates an empty price book
func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[string]Pricing)}
}

func priceKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// Set registers unit prices for a model
func (b *PriceBook) Set(provider, model string, p Pricing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[priceKey(provider, model)] = p
}

// Lookup returns the unit prices for a model
func (b *PriceBook) Lookup(provider, model string) (Pricing, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[priceKey(provider, model)]
	return p, ok
}

// Len returns the number of priced models
func (b *PriceBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.prices)
}

// LoadPriceBook reads the "pricing" section of a YAML file. Prices in the
// file are per million units.
func LoadPriceBook(path string) (*PriceBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price file: %w", err)
	}
	return ParsePriceBook(data)
}

// ParsePriceBook decodes a YAML pricing document
func ParsePriceBook(data []byte) (*PriceBook, error) {
	var doc priceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse price file: %w", err)
	}

	book := NewPriceBook()
	for _, e := range doc.Pricing {
		if e.Provider == "" || e.Model == "" {
			return nil, fmt.Errorf("price entry requires provider and model")
		}
		in, err := decimal.NewFromString(e.InputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: invalid input price: %w", e.Provider, e.Model, err)
		}
		out, err := decimal.NewFromString(e.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: invalid output price: %w", e.Provider, e.Model, err)
		}
		p := Pricing{
			InputUnitPrice:  in.Div(perMillion),
			OutputUnitPrice: out.Div(perMillion),
		}
		if p.InputUnitPrice.IsNegative() || p.OutputUnitPrice.IsNegative() {
			return nil, fmt.Errorf("%s/%s: prices must not be negative", e.Provider, e.Model)
		}
		book.Set(e.Provider, e.Model, p)
	}
	return book, nil
}
