package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OriginationChannel string

const (
	ChannelPOS         OriginationChannel = "pos"
	ChannelCalendar    OriginationChannel = "calendar"
	ChannelPortal      OriginationChannel = "portal"
	ChannelManual      OriginationChannel = "manual"
	ChannelSystem      OriginationChannel = "system"
	ChannelHomeService OriginationChannel = "home-service"
)

func (c OriginationChannel) Valid() bool {
	switch c {
	case ChannelPOS, ChannelCalendar, ChannelPortal, ChannelManual, ChannelSystem, ChannelHomeService:
		return true
	}
	return false
}

type CompositeType string

const (
	CompositeServiceOnly  CompositeType = "service-only"
	CompositeProductOnly  CompositeType = "product-only"
	CompositeConsolidated CompositeType = "consolidated"
)

func (t CompositeType) Valid() bool {
	switch t {
	case CompositeServiceOnly, CompositeProductOnly, CompositeConsolidated:
		return true
	}
	return false
}

// IsServiceSale reports whether the sale carries at least one service line.
func (t CompositeType) IsServiceSale() bool {
	return t == CompositeServiceOnly || t == CompositeConsolidated
}

type LineItemKind string

const (
	LineItemService LineItemKind = "service"
	LineItemProduct LineItemKind = "product"
)

type IdentityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Key is the canonical lock and grouping key; empty for a nil ref.
func (r *IdentityRef) Key() string {
	if r == nil || r.ID == "" {
		return ""
	}
	return r.Kind + ":" + r.ID
}

func (r *IdentityRef) Equal(other *IdentityRef) bool {
	if r == nil || other == nil || r.ID == "" {
		return false
	}
	return r.Kind == other.Kind && r.ID == other.ID
}

type LineItem struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Quantity           int              `json:"quantity"`
	UnitPrice          decimal.Decimal  `json:"unitPrice"`
	TotalPrice         decimal.Decimal  `json:"totalPrice"`
	Kind               LineItemKind     `json:"kind"`
	DiscountApplied    bool             `json:"discountApplied"`
	DiscountPercentage *decimal.Decimal `json:"discountPercentage,omitempty"`
	DiscountAmount     *decimal.Decimal `json:"discountAmount,omitempty"`
	OriginalPrice      *decimal.Decimal `json:"originalPrice,omitempty"`
}

type LedgerEvent struct {
	ID                    string             `json:"id"`
	OccurredAt            time.Time          `json:"occurredAt"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
	IdentityRef           *IdentityRef       `json:"identityRef,omitempty"`
	ExternalBookingCode   string             `json:"externalBookingCode,omitempty"`
	ClientID              string             `json:"clientId,omitempty"`
	StaffID               string             `json:"staffId,omitempty"`
	OriginationChannel    OriginationChannel `json:"originationChannel"`
	CompositeType         CompositeType      `json:"compositeType"`
	Amount                decimal.Decimal    `json:"amount"`
	ServiceAmount         *decimal.Decimal   `json:"serviceAmount,omitempty"`
	ProductAmount         *decimal.Decimal   `json:"productAmount,omitempty"`
	OriginalServiceAmount *decimal.Decimal   `json:"originalServiceAmount,omitempty"`
	DiscountPercentage    *decimal.Decimal   `json:"discountPercentage,omitempty"`
	DiscountAmount        *decimal.Decimal   `json:"discountAmount,omitempty"`
	LineItems             []LineItem         `json:"lineItems,omitempty"`
	Description           string             `json:"description,omitempty"`
	Metadata              Metadata           `json:"metadata,omitempty"`
	Status                string             `json:"status,omitempty"`
}

const StatusCompleted = "completed"

type ServiceLine struct {
	Name  string          `json:"name" validate:"required"`
	Price decimal.Decimal `json:"price"`
}

type ProductLine struct {
	ID       string           `json:"id,omitempty"`
	Name     string           `json:"name" validate:"required"`
	Price    decimal.Decimal  `json:"price"`
	Quantity int              `json:"quantity,omitempty" validate:"gte=0"`
	Cost     *decimal.Decimal `json:"cost,omitempty"`
}

type Booking struct {
	ID                 string             `json:"id" validate:"required"`
	ClientID           string             `json:"clientId" validate:"required"`
	ClientName         string             `json:"clientName,omitempty"`
	StaffID            string             `json:"staffId,omitempty"`
	StaffName          string             `json:"staffName,omitempty"`
	Location           string             `json:"location"`
	BookingCode        string             `json:"bookingCode,omitempty"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
	Service            *ServiceLine       `json:"service,omitempty"`
	AdditionalServices []ServiceLine      `json:"additionalServices,omitempty" validate:"dive"`
	Products           []ProductLine      `json:"products,omitempty" validate:"dive"`
	DiscountPercentage *decimal.Decimal   `json:"discountPercentage,omitempty"`
	Channel            OriginationChannel `json:"channel,omitempty"`
}

type CreateSaleRequest struct {
	Booking            Booking            `json:"booking"`
	DiscountPercentage *decimal.Decimal   `json:"discountPercentage,omitempty"`
	Channel            OriginationChannel `json:"channel,omitempty"`
}

type SaleResponse struct {
	Sale      LedgerEvent `json:"sale"`
	Duplicate bool        `json:"duplicate"`
}

// UpdateFields is a partial update; nil fields are left unchanged.
type UpdateFields struct {
	OccurredAt            *time.Time          `json:"occurredAt,omitempty"`
	ExternalBookingCode   *string             `json:"externalBookingCode,omitempty"`
	ClientID              *string             `json:"clientId,omitempty"`
	StaffID               *string             `json:"staffId,omitempty"`
	OriginationChannel    *OriginationChannel `json:"originationChannel,omitempty"`
	Amount                *decimal.Decimal    `json:"amount,omitempty"`
	ServiceAmount         *decimal.Decimal    `json:"serviceAmount,omitempty"`
	ProductAmount         *decimal.Decimal    `json:"productAmount,omitempty"`
	OriginalServiceAmount *decimal.Decimal    `json:"originalServiceAmount,omitempty"`
	DiscountPercentage    *decimal.Decimal    `json:"discountPercentage,omitempty"`
	DiscountAmount        *decimal.Decimal    `json:"discountAmount,omitempty"`
	LineItems             []LineItem          `json:"lineItems,omitempty"`
	Description           *string             `json:"description,omitempty"`
	Metadata              Metadata            `json:"metadata,omitempty"`
	Status                *string             `json:"status,omitempty"`
}

type Filter struct {
	ClientID      string
	StaffID       string
	Channel       OriginationChannel
	CompositeType CompositeType
	IdentityKind  string
	IdentityID    string
	Status        string
	From          time.Time
	To            time.Time
	Limit         int
}

func (f Filter) Matches(e LedgerEvent) bool {
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if f.StaffID != "" && e.StaffID != f.StaffID {
		return false
	}
	if f.Channel != "" && e.OriginationChannel != f.Channel {
		return false
	}
	if f.CompositeType != "" && e.CompositeType != f.CompositeType {
		return false
	}
	if f.IdentityID != "" {
		if e.IdentityRef == nil || e.IdentityRef.ID != f.IdentityID {
			return false
		}
		if f.IdentityKind != "" && e.IdentityRef.Kind != f.IdentityKind {
			return false
		}
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

// Clone returns a deep copy so callers never share pointers with the store.
func (e LedgerEvent) Clone() LedgerEvent {
	out := e
	if e.IdentityRef != nil {
		ref := *e.IdentityRef
		out.IdentityRef = &ref
	}
	out.ServiceAmount = cloneDecimal(e.ServiceAmount)
	out.ProductAmount = cloneDecimal(e.ProductAmount)
	out.OriginalServiceAmount = cloneDecimal(e.OriginalServiceAmount)
	out.DiscountPercentage = cloneDecimal(e.DiscountPercentage)
	out.DiscountAmount = cloneDecimal(e.DiscountAmount)
	if e.LineItems != nil {
		out.LineItems = make([]LineItem, len(e.LineItems))
		for i, item := range e.LineItems {
			item.DiscountPercentage = cloneDecimal(item.DiscountPercentage)
			item.DiscountAmount = cloneDecimal(item.DiscountAmount)
			item.OriginalPrice = cloneDecimal(item.OriginalPrice)
			out.LineItems[i] = item
		}
	}
	out.Metadata = e.Metadata.Clone()
	return out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
