package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	Cent    = decimal.New(1, -2)
	Hundred = decimal.NewFromInt(100)

	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// Round2 is the only rounding step; apply it when a value is persisted or displayed.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WithinCent reports |a-b| < 0.01.
func WithinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Cent)
}

func Money(d decimal.Decimal) *decimal.Decimal {
	v := Round2(d)
	return &v
}

func DecimalOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// LineTotals sums line item totals by kind. ok is false when there are no line items.
func (e LedgerEvent) LineTotals() (service, product decimal.Decimal, ok bool) {
	if len(e.LineItems) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	for _, item := range e.LineItems {
		switch item.Kind {
		case LineItemProduct:
			product = product.Add(item.TotalPrice)
		default:
			service = service.Add(item.TotalPrice)
		}
	}
	return service, product, true
}

// Split derives the post-discount service/product split. Line items win,
// then explicit fields, then the composite type.
func (e LedgerEvent) Split() (service, product decimal.Decimal) {
	if s, p, ok := e.LineTotals(); ok {
		return s, p
	}
	switch {
	case e.ServiceAmount != nil && e.ProductAmount != nil:
		return *e.ServiceAmount, *e.ProductAmount
	case e.ServiceAmount != nil:
		return *e.ServiceAmount, e.Amount.Sub(*e.ServiceAmount)
	case e.ProductAmount != nil:
		return e.Amount.Sub(*e.ProductAmount), *e.ProductAmount
	}
	if e.CompositeType == CompositeProductOnly {
		return decimal.Zero, e.Amount
	}
	return e.Amount, decimal.Zero
}

// FillSplit sets serviceAmount and productAmount when either is missing.
func (e *LedgerEvent) FillSplit() {
	if e.ServiceAmount != nil && e.ProductAmount != nil {
		return
	}
	service, product := e.Split()
	e.ServiceAmount = Money(service)
	e.ProductAmount = Money(product)
}

// InferCompositeType picks a type from line items when none was given.
func (e *LedgerEvent) InferCompositeType() {
	if e.CompositeType.Valid() {
		return
	}
	var hasService, hasProduct bool
	for _, item := range e.LineItems {
		if item.Kind == LineItemProduct {
			hasProduct = true
		} else {
			hasService = true
		}
	}
	switch {
	case hasService && hasProduct:
		e.CompositeType = CompositeConsolidated
	case hasProduct:
		e.CompositeType = CompositeProductOnly
	default:
		e.CompositeType = CompositeServiceOnly
	}
}

func (e LedgerEvent) CheckInvariants() error {
	if e.Amount.IsNegative() {
		return fmt.Errorf("%w: amount %s is negative", ErrInvariantViolation, e.Amount)
	}
	if e.ServiceAmount != nil || e.ProductAmount != nil {
		sum := DecimalOrZero(e.ServiceAmount).Add(DecimalOrZero(e.ProductAmount))
		if !WithinCent(sum, e.Amount) {
			return fmt.Errorf("%w: service+product %s does not match amount %s", ErrInvariantViolation, sum, e.Amount)
		}
	}
	if s, p, ok := e.LineTotals(); ok {
		if total := s.Add(p); !WithinCent(total, e.Amount) {
			return fmt.Errorf("%w: line items total %s does not match amount %s", ErrInvariantViolation, total, e.Amount)
		}
	}
	for _, item := range e.LineItems {
		if item.Kind == LineItemProduct && item.DiscountApplied {
			return fmt.Errorf("%w: product line %q carries a discount", ErrInvariantViolation, item.Name)
		}
	}
	return nil
}

// WithDiscountSuffix appends "(N% off)" unless the exact suffix is already present.
func WithDiscountSuffix(description string, pct decimal.Decimal) string {
	if !pct.IsPositive() {
		return description
	}
	suffix := fmt.Sprintf("(%s%% off)", pct.String())
	if strings.Contains(description, suffix) {
		return description
	}
	if strings.TrimSpace(description) == "" {
		return suffix
	}
	return description + " " + suffix
}
