package usage

import "github.com/richinex/ledgerline/internal/dsa"

// DefaultPriceKey names the fallback entry in a CostTable.
const DefaultPriceKey = "default"

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// Cost returns the USD cost of the given token counts.
func (p Price) Cost(input, output int64) float64 {
	return (float64(input)*p.InputPerMillion + float64(output)*p.OutputPerMillion) / 1_000_000
}

// CostTable maps a model name or model prefix to its Price.
type CostTable map[string]Price

// DefaultCostTable carries list prices for the bundled model constants.
func DefaultCostTable() CostTable {
	return CostTable{
		"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
		"gpt-5":             {InputPerMillion: 1.25, OutputPerMillion: 10.00},
		"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		"claude-haiku-4":    {InputPerMillion: 1.00, OutputPerMillion: 5.00},
		"deepseek-chat":     {InputPerMillion: 0.27, OutputPerMillion: 1.10},
		"deepseek-reasoner": {InputPerMillion: 0.55, OutputPerMillion: 2.19},
		"gemini-2.5-flash":  {InputPerMillion: 0.30, OutputPerMillion: 2.50},
		"gemini-2.5-pro":    {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	}
}

// Lookup resolves model by exact name, then by longest matching prefix,
// then by the "default" entry.
func (t CostTable) Lookup(model string) (Price, bool) {
	return t.Index().Lookup(model)
}

// Index compiles the table into a PriceIndex.
func (t CostTable) Index() *PriceIndex {
	idx := &PriceIndex{prefixes: dsa.NewTrie[Price]()}
	for key, price := range t {
		if key == DefaultPriceKey {
			p := price
			idx.fallback = &p
			continue
		}
		idx.prefixes.Insert(key, price)
	}
	return idx
}

// PriceIndex answers CostTable lookups without scanning every entry.
type PriceIndex struct {
	prefixes *dsa.Trie[Price]
	fallback *Price
}

// Lookup resolves model the same way CostTable.Lookup does.
func (idx *PriceIndex) Lookup(model string) (Price, bool) {
	if _, p, ok := idx.prefixes.LongestPrefix(model); ok {
		return p, true
	}
	if idx.fallback != nil {
		return *idx.fallback, true
	}
	return Price{}, false
}
