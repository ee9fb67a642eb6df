// Package consolidate turns a completed booking into a single ledger event
// carrying every service and product line.
package consolidate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/xid"
)

const IdentityKindAppointment = "appointment"

var ErrInvalidBooking = errors.New("invalid booking")

type InvalidBookingError struct {
	BookingID string
	Reason    string
}

func (e *InvalidBookingError) Error() string {
	if e.BookingID == "" {
		return "invalid booking: " + e.Reason
	}
	return fmt.Sprintf("invalid booking %s: %s", e.BookingID, e.Reason)
}

func (e *InvalidBookingError) Is(target error) bool {
	return target == ErrInvalidBooking
}

type Consolidator struct {
	now   func() time.Time
	newID func(prefix string) string
}

type Option func(*Consolidator)

func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDs(newID func(prefix string) string) Option {
	return func(c *Consolidator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

func New(opts ...Option) *Consolidator {
	c := &Consolidator{now: time.Now, newID: xid.New}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build consolidates a booking into one event. A nil discountPercentage falls
// back to the booking's own. Products are never discounted. The booking is
// not modified.
func (c *Consolidator) Build(b domain.Booking, discountPercentage *decimal.Decimal) (domain.LedgerEvent, error) {
	invalid := func(format string, args ...any) error {
		return &InvalidBookingError{BookingID: b.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(b.ID) == "" {
		return domain.LedgerEvent{}, invalid("booking id is required")
	}

	pct := decimal.Zero
	switch {
	case discountPercentage != nil:
		pct = *discountPercentage
	case b.DiscountPercentage != nil:
		pct = *b.DiscountPercentage
	}
	if pct.IsNegative() || pct.GreaterThan(domain.Hundred) {
		return domain.LedgerEvent{}, invalid("discount percentage %s outside 0..100", pct)
	}
	services := make([]domain.ServiceLine, 0, 1+len(b.AdditionalServices))
	if b.Service != nil {
		services = append(services, *b.Service)
	}
	services = append(services, b.AdditionalServices...)

	if len(services) == 0 && len(b.Products) == 0 {
		return domain.LedgerEvent{}, invalid("booking has no services and no products")
	}
	if len(services) == 0 {
		// nothing to discount
		pct = decimal.Zero
	}
	discounted := pct.IsPositive()
	factor := decimal.NewFromInt(1).Sub(pct.Div(domain.Hundred))

	var (
		items           = make([]domain.LineItem, 0, len(services)+len(b.Products))
		originalService decimal.Decimal
		serviceAmount   decimal.Decimal
		productAmount   decimal.Decimal
	)

	for i, s := range services {
		if !s.Price.IsPositive() {
			return domain.LedgerEvent{}, invalid("service %d has non-positive price %s", i+1, s.Price)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = "Service"
		}
		item := domain.LineItem{
			ID:         c.newID("line"),
			Name:       name,
			Quantity:   1,
			UnitPrice:  s.Price,
			TotalPrice: domain.Round2(s.Price),
			Kind:       domain.LineItemService,
		}
		if discounted {
			total := domain.Round2(s.Price.Mul(factor))
			item.TotalPrice = total
			item.DiscountApplied = true
			linePct := pct
			item.DiscountPercentage = &linePct
			item.DiscountAmount = domain.Money(s.Price.Sub(total))
			item.OriginalPrice = domain.Money(s.Price)
		}
		originalService = originalService.Add(s.Price)
		serviceAmount = serviceAmount.Add(item.TotalPrice)
		items = append(items, item)
	}

	for i, p := range b.Products {
		if !p.Price.IsPositive() {
			return domain.LedgerEvent{}, invalid("product %d has non-positive price %s", i+1, p.Price)
		}
		qty := p.Quantity
		if qty <= 0 {
			qty = 1
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = "Product"
		}
		id := p.ID
		if id == "" {
			id = c.newID("line")
		}
		total := domain.Round2(p.Price.Mul(decimal.NewFromInt(int64(qty))))
		items = append(items, domain.LineItem{
			ID:         id,
			Name:       name,
			Quantity:   qty,
			UnitPrice:  p.Price,
			TotalPrice: total,
			Kind:       domain.LineItemProduct,
		})
		productAmount = productAmount.Add(total)
	}

	now := c.now().UTC()
	occurred := now
	if b.CompletedAt != nil && !b.CompletedAt.IsZero() {
		occurred = b.CompletedAt.UTC()
	}
	channel := b.Channel
	if !channel.Valid() {
		channel = domain.ChannelPOS
	}

	e := domain.LedgerEvent{
		ID:                  c.newID("sale"),
		OccurredAt:          occurred,
		CreatedAt:           now,
		UpdatedAt:           now,
		IdentityRef:         &domain.IdentityRef{Kind: IdentityKindAppointment, ID: b.ID},
		ExternalBookingCode: strings.TrimSpace(b.BookingCode),
		ClientID:            b.ClientID,
		StaffID:             b.StaffID,
		OriginationChannel:  channel,
		CompositeType:       compositeType(len(services), len(b.Products)),
		Amount:              domain.Round2(serviceAmount.Add(productAmount)),
		ServiceAmount:       domain.Money(serviceAmount),
		ProductAmount:       domain.Money(productAmount),
		LineItems:           items,
		Status:              domain.StatusCompleted,
	}
	if len(services) > 0 {
		e.OriginalServiceAmount = domain.Money(originalService)
	}
	if discounted {
		e.DiscountPercentage = &pct
		e.DiscountAmount = domain.Money(originalService.Sub(serviceAmount))
	}
	e.Description = domain.WithDiscountSuffix(describe(services, len(b.Products)), pct)
	e.Metadata = metadata(b, len(services), originalService, serviceAmount, productAmount, pct)
	return e, nil
}

func compositeType(services, products int) domain.CompositeType {
	switch {
	case services > 0 && products > 0:
		return domain.CompositeConsolidated
	case products > 0:
		return domain.CompositeProductOnly
	default:
		return domain.CompositeServiceOnly
	}
}

func describe(services []domain.ServiceLine, products int) string {
	if len(services) == 1 && products == 0 {
		if name := strings.TrimSpace(services[0].Name); name != "" {
			return name
		}
	}
	parts := make([]string, 0, 2)
	if n := len(services); n > 0 {
		parts = append(parts, plural(n, "service"))
	}
	if products > 0 {
		parts = append(parts, plural(products, "product"))
	}
	return strings.Join(parts, " + ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func metadata(b domain.Booking, services int, original, service, product, pct decimal.Decimal) domain.Metadata {
	m := domain.Metadata{
		domain.MetaBookingID:             b.ID,
		domain.MetaServiceCount:          services,
		domain.MetaProductCount:          len(b.Products),
		domain.MetaOriginalServiceAmount: domain.Round2(original).StringFixed(2),
		domain.MetaServiceAmount:         domain.Round2(service).StringFixed(2),
		domain.MetaProductAmount:         domain.Round2(product).StringFixed(2),
		domain.MetaDiscountApplied:       pct.IsPositive(),
	}
	if pct.IsPositive() {
		m[domain.MetaDiscountPercentage] = pct.String()
	}
	if b.Location != "" {
		m[domain.MetaLocation] = b.Location
	}
	if b.ClientName != "" {
		m[domain.MetaClientName] = b.ClientName
	}
	if b.StaffName != "" {
		m[domain.MetaStaffName] = b.StaffName
	}
	if code := strings.TrimSpace(b.BookingCode); code != "" {
		m[domain.BookingCodeKeys[0]] = code
	}
	return m
}
