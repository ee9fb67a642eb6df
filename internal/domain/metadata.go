package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Metadata holds auxiliary facts about a sale. The keys below are read by the
// matcher and by reporting; anything else passes through untouched.
type Metadata map[string]any

var (
	BookingIDKeys   = []string{"appointmentId", "bookingId", "appointment_id", "booking_id"}
	BookingCodeKeys = []string{"bookingCode", "booking_code", "bookingReference"}
)

const (
	MetaServiceCount          = "serviceCount"
	MetaProductCount          = "productCount"
	MetaOriginalServiceAmount = "originalServiceAmount"
	MetaServiceAmount         = "serviceAmount"
	MetaProductAmount         = "productAmount"
	MetaDiscountApplied       = "discountApplied"
	MetaDiscountPercentage    = "discountPercentage"
	MetaBookingID             = "bookingId"
	MetaLocation              = "location"
	MetaClientName            = "clientName"
	MetaStaffName             = "staffName"
)

// String reads a key as a string, accepting the numeric shapes JSON decoding produces.
func (m Metadata) String(key string) (string, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", false
	}
	var out string
	switch v := raw.(type) {
	case string:
		out = v
	case json.Number:
		out = v.String()
	case float64:
		out = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		out = strconv.Itoa(v)
	case int64:
		out = strconv.FormatInt(v, 10)
	case fmt.Stringer:
		out = v.String()
	default:
		return "", false
	}
	out = strings.TrimSpace(out)
	return out, out != ""
}

func (m Metadata) BookingIDs() []string {
	return m.values(BookingIDKeys)
}

func (m Metadata) BookingCodes() []string {
	return m.values(BookingCodeKeys)
}

func (m Metadata) values(keys []string) []string {
	var out []string
	for _, key := range keys {
		if v, ok := m.String(key); ok {
			out = append(out, v)
		}
	}
	return out
}

// Clone copies m including nested maps and slices decoded from JSON.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
