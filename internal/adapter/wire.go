package adapter

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/caesar-terminal/depthsync/internal/numeric"
)

// Number is JSON text that may arrive quoted ("100.5") or bare (100.5).
// It keeps the exact digits; nothing is converted to float.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	// Anything else (bools, objects) is kept verbatim and fails decimal
	// parsing later, at the level it belongs to.
	*n = Number(b)
	return nil
}

func (n Number) String() string { return string(n) }

// Int64 parses the number as an integer, returning 0 on failure.
func (n Number) Int64() int64 {
	v, _ := n.ID()
	return v
}

// ID parses the number as an exact integer id. Fractions, exponents and
// values beyond int64 are rejected rather than rounded.
func (n Number) ID() (int64, bool) {
	if n == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Millis interprets the number as Unix milliseconds.
func (n Number) Millis() time.Time {
	ms := n.Int64()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// TupleLevels converts [price, qty, ...] rows. Short rows become levels with
// an empty field, which the book rejects individually.
func TupleLevels(rows [][]Number) []numeric.RawLevel {
	out := make([]numeric.RawLevel, 0, len(rows))
	for _, r := range rows {
		var l numeric.RawLevel
		if len(r) > 0 {
			l.Price = string(r[0])
		}
		if len(r) > 1 {
			l.Quantity = string(r[1])
		}
		out = append(out, l)
	}
	return out
}

// ObjectLevel is the keyed {px, qty} level shape.
type ObjectLevel struct {
	Px  Number `json:"px"`
	Qty Number `json:"qty"`
}

// ObjectLevels converts keyed levels.
func ObjectLevels(rows []ObjectLevel) []numeric.RawLevel {
	out := make([]numeric.RawLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, numeric.RawLevel{Price: string(r.Px), Quantity: string(r.Qty)})
	}
	return out
}
