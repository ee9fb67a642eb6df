package reconcile

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
)

var ErrEmptyGroup = errors.New("reconcile: empty group")

type Rule string

const (
	RuleExplicitDiscount Rule = "explicit-discount"
	RuleCompleteness     Rule = "completeness"
	RuleLatest           Rule = "latest"
)

// implicitDiscountThreshold: keep.amount below 99% of the group maximum is read as a discount.
var implicitDiscountThreshold = decimal.RequireFromString("0.99")

type Result struct {
	Keep   domain.LedgerEvent
	Remove []domain.LedgerEvent
	Rule   Rule
	// Reconstructed is set when discount fields were rebuilt on Keep.
	Reconstructed bool
}

type Scorer struct {
	now func() time.Time
}

type Option func(*Scorer)

func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Scorer {
	s := &Scorer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile picks the canonical member of a duplicate group and enriches it.
// The group is never mutated; Keep is a copy with updatedAt advanced.
func (s *Scorer) Reconcile(group []domain.LedgerEvent) (Result, error) {
	if len(group) == 0 {
		return Result{}, ErrEmptyGroup
	}

	maxAmount := group[0].Amount
	amountsEqual, singleChannel := true, true
	for _, e := range group[1:] {
		if e.Amount.GreaterThan(maxAmount) {
			maxAmount = e.Amount
		}
		if !domain.Round2(e.Amount).Equal(domain.Round2(group[0].Amount)) {
			amountsEqual = false
		}
		if e.OriginationChannel != group[0].OriginationChannel {
			singleChannel = false
		}
	}

	var (
		keepIdx int
		rule    Rule
		rebuilt bool
		keep    domain.LedgerEvent
	)

	switch claimants := discountClaimants(group); {
	case len(claimants) > 0:
		rule = RuleExplicitDiscount
		keepIdx = mostComplete(group, claimants)
		keep = group[keepIdx].Clone()
		if maxAmount.GreaterThan(keep.Amount) {
			reconstructDiscount(&keep, maxAmount)
			rebuilt = true
		} else if keep.DiscountPercentage != nil {
			keep.Description = domain.WithDiscountSuffix(keep.Description, *keep.DiscountPercentage)
		}
	case !amountsEqual || !singleChannel:
		rule = RuleCompleteness
		keepIdx = mostComplete(group, allIndexes(len(group)))
		keep = group[keepIdx].Clone()
		if keep.Amount.LessThan(maxAmount.Mul(implicitDiscountThreshold)) {
			reconstructDiscount(&keep, maxAmount)
			rebuilt = true
		}
	default:
		rule = RuleLatest
		keepIdx = latest(group)
		keep = group[keepIdx].Clone()
	}

	keep.UpdatedAt = s.advance(keep.UpdatedAt)

	remove := make([]domain.LedgerEvent, 0, len(group)-1)
	for i, e := range group {
		if i != keepIdx {
			remove = append(remove, e.Clone())
		}
	}
	return Result{Keep: keep, Remove: remove, Rule: rule, Reconstructed: rebuilt}, nil
}

// CompletenessScore weighs how much of a sale's detail an event carries.
func CompletenessScore(e domain.LedgerEvent) int {
	score := 0
	if len(e.LineItems) > 0 {
		score += 5
	}
	if e.ServiceAmount != nil {
		score += 3
	}
	if e.ProductAmount != nil {
		score += 3
	}
	if e.ClientID != "" {
		score += 2
	}
	if e.StaffID != "" {
		score += 2
	}
	if len(e.Metadata) > 0 {
		score += 2
	}
	return score
}

func (s *Scorer) advance(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func discountClaimants(group []domain.LedgerEvent) []int {
	var out []int
	for i, e := range group {
		if e.DiscountPercentage != nil && e.DiscountPercentage.IsPositive() {
			out = append(out, i)
		}
	}
	return out
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// mostComplete orders candidates by score, then earliest createdAt, then id.
func mostComplete(group []domain.LedgerEvent, candidates []int) int {
	ordered := append([]int(nil), candidates...)
	sort.SliceStable(ordered, func(a, b int) bool {
		ea, eb := group[ordered[a]], group[ordered[b]]
		sa, sb := CompletenessScore(ea), CompletenessScore(eb)
		if sa != sb {
			return sa > sb
		}
		if !ea.CreatedAt.Equal(eb.CreatedAt) {
			return ea.CreatedAt.Before(eb.CreatedAt)
		}
		return ea.ID < eb.ID
	})
	return ordered[0]
}

func latest(group []domain.LedgerEvent) int {
	best := 0
	for i, e := range group[1:] {
		b := group[best]
		if e.CreatedAt.After(b.CreatedAt) || (e.CreatedAt.Equal(b.CreatedAt) && e.ID > b.ID) {
			best = i + 1
		}
	}
	return best
}

// reconstructDiscount rebuilds discount and split fields on keep, treating
// original as the undiscounted total.
func reconstructDiscount(keep *domain.LedgerEvent, original decimal.Decimal) {
	if !original.IsPositive() {
		return
	}
	discount := original.Sub(keep.Amount)
	pct := discount.Div(original).Mul(domain.Hundred).Round(0)

	service, product := keep.Split()
	if len(keep.LineItems) == 0 {
		switch keep.CompositeType {
		case domain.CompositeServiceOnly:
			service, product = keep.Amount, decimal.Zero
		case domain.CompositeProductOnly:
			service, product = decimal.Zero, keep.Amount
		}
	}

	keep.DiscountAmount = domain.Money(discount)
	keep.DiscountPercentage = &pct
	keep.ServiceAmount = domain.Money(service)
	keep.ProductAmount = domain.Money(product)
	keep.OriginalServiceAmount = domain.Money(original.Sub(product))
	keep.Description = domain.WithDiscountSuffix(keep.Description, pct)
}
