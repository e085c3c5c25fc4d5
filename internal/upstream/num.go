package upstream

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Num is a numeric upstream field. The providers send prices as strings
// and most other figures as JSON numbers; both decode here. A null,
// missing or non-numeric value leaves Valid false instead of failing the
// whole document.
type Num struct {
	Value decimal.Decimal
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Num) UnmarshalJSON(data []byte) error {
	*n = Num{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = s
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	n.Value, n.Valid = d, true
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(n.Value.String()), nil
}

// Float returns the value as float64 and whether it was present.
func (n Num) Float() (float64, bool) {
	if !n.Valid {
		return 0, false
	}
	f, _ := n.Value.Float64()
	return f, true
}

// Ptr returns the value as *float64, nil when absent.
func (n Num) Ptr() *float64 {
	f, ok := n.Float()
	if !ok {
		return nil
	}
	return &f
}

// N builds a valid Num from a float.
func N(v float64) Num {
	return Num{Value: decimal.NewFromFloat(v), Valid: true}
}
