package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Price is in major currency units per token.
type Price struct {
	Input  float64
	Output float64
}

// Cost of a request with the given token counts.
func (p Price) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.Input + float64(outputTokens)*p.Output
}

type PriceTable map[string]Price

// DefaultPrices lists public OpenAI list prices in USD.
func DefaultPrices() PriceTable {
	return PriceTable{
		"gpt-4o":        {Input: 0.0000025, Output: 0.00001},
		"gpt-4o-mini":   {Input: 0.00000015, Output: 0.0000006},
		"gpt-4.1":       {Input: 0.000002, Output: 0.000008},
		"gpt-4.1-mini":  {Input: 0.0000004, Output: 0.0000016},
		"gpt-4":         {Input: 0.00003, Output: 0.00006},
		"gpt-3.5-turbo": {Input: 0.0000005, Output: 0.0000015},
	}
}

// ParsePrices reads "model=input:output" pairs separated by commas, e.g.
// "gpt-4o=0.0000025:0.00001,llama-3-70b=0.0000006:0.0000008".
func ParsePrices(s string) (PriceTable, error) {
	table := PriceTable{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		model, prices, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(model) == "" {
			return nil, fmt.Errorf("invalid price entry %q", entry)
		}
		in, out, ok := strings.Cut(prices, ":")
		if !ok {
			return nil, fmt.Errorf("invalid price entry %q: want input:output", entry)
		}
		input, err := strconv.ParseFloat(strings.TrimSpace(in), 64)
		if err != nil || input < 0 {
			return nil, fmt.Errorf("invalid input price in %q", entry)
		}
		output, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
		if err != nil || output < 0 {
			return nil, fmt.Errorf("invalid output price in %q", entry)
		}
		table[strings.TrimSpace(model)] = Price{Input: input, Output: output}
	}
	return table, nil
}

// Models returns the priced model names, sorted.
func (t PriceTable) Models() []string {
	models := make([]string, 0, len(t))
	for m := range t {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
