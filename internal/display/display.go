// Package display derives the amounts shown for a sale. It reads raw,
// possibly malformed records and never fails: anything it cannot read is
// treated as absent.
package display

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
)

type Breakdown struct {
	ServiceAmount  string `json:"serviceAmount"`
	ProductAmount  string `json:"productAmount"`
	OriginalAmount string `json:"originalAmount"`
	FinalAmount    string `json:"finalAmount"`
	DiscountLabel  string `json:"discountLabel"`
}

var zero = Breakdown{
	ServiceAmount:  "0.00",
	ProductAmount:  "0.00",
	OriginalAmount: "0.00",
	FinalAmount:    "0.00",
}

// Project derives a breakdown from a decoded record.
func Project(raw map[string]any) (out Breakdown) {
	defer func() {
		if recover() != nil {
			out = zero
		}
	}()

	amount, hasAmount := number(raw["amount"])
	composite, _ := raw["compositeType"].(string)
	lineService, lineProduct, hasService, hasProduct := lineTotals(raw["lineItems"])

	service, ok := number(raw["serviceAmount"])
	switch {
	case ok:
	case hasService:
		service = lineService
	case hasAmount && composite == string(domain.CompositeServiceOnly):
		service = amount
	default:
		service = decimal.Zero
	}

	product, ok := number(raw["productAmount"])
	switch {
	case ok:
	case hasProduct:
		product = lineProduct
	case hasAmount && composite == string(domain.CompositeProductOnly):
		product = amount
	default:
		product = decimal.Zero
	}

	final := amount
	if !hasAmount {
		final = service.Add(product)
	}

	original := decimal.Zero
	if originalService, ok := number(raw["originalServiceAmount"]); ok {
		original = originalService.Add(product)
	} else if hasAmount {
		original = amount
	}

	return Breakdown{
		ServiceAmount:  fixed(service),
		ProductAmount:  fixed(product),
		OriginalAmount: fixed(original),
		FinalAmount:    fixed(final),
		DiscountLabel:  label(raw, original, final),
	}
}

// ProjectJSON decodes data and projects it; undecodable input projects as empty.
func ProjectJSON(data []byte) Breakdown {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Project(nil)
	}
	return Project(raw)
}

func ProjectEvent(e domain.LedgerEvent) Breakdown {
	data, err := json.Marshal(e)
	if err != nil {
		return Project(nil)
	}
	return ProjectJSON(data)
}

func label(raw map[string]any, original, final decimal.Decimal) string {
	if pct, ok := number(raw["discountPercentage"]); ok && pct.IsPositive() {
		return pct.String() + "% off"
	}
	if amt, ok := number(raw["discountAmount"]); ok && amt.IsPositive() {
		return fixed(amt) + " off"
	}
	if diff := original.Sub(final); diff.IsPositive() {
		return fixed(diff) + " off"
	}
	return ""
}

func lineTotals(v any) (service, product decimal.Decimal, hasService, hasProduct bool) {
	items, ok := v.([]any)
	if !ok {
		return
	}
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		total, ok := number(item["totalPrice"])
		if !ok {
			unit, uok := number(item["unitPrice"])
			if !uok {
				continue
			}
			qty, qok := number(item["quantity"])
			if !qok || !qty.IsPositive() {
				qty = decimal.NewFromInt(1)
			}
			total = unit.Mul(qty)
		}
		if kind, _ := item["kind"].(string); kind == string(domain.LineItemProduct) {
			product = product.Add(total)
			hasProduct = true
		} else {
			service = service.Add(total)
			hasService = true
		}
	}
	return
}

// number reads the numeric shapes found in historical records.
func number(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return bounded(n)
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return bounded(*n)
	case json.Number:
		return parse(n.String())
	case string:
		return parse(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		return number(float64(n))
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	}
	return decimal.Zero, false
}

func parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return bounded(d)
}

// maxExponent bounds the scale of accepted values; expanding something like
// "1e400000000" to two decimals would not finish.
const maxExponent = 30

func bounded(d decimal.Decimal) (decimal.Decimal, bool) {
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Zero, false
	}
	return d, true
}

func fixed(d decimal.Decimal) string {
	return domain.Round2(d).StringFixed(2)
}
