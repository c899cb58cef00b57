// Package money implements fixed-point micro-USD arithmetic.
//
// All monetary values in the billing core are non-negative integer counts
// of micro-USD (1 USD = 1,000,000 micro-USD). Values cross the wire as
// decimal strings so that JavaScript consumers are not exposed to 53-bit
// float truncation.
package money

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MicroUSD is a count of 10^-6 USD.
type MicroUSD int64

const MicroPerUSD MicroUSD = 1_000_000

// New returns n micro-USD. Negative inputs are the caller's bug; they are
// passed through so that guards can reject them with a proper error.
func New(n int64) MicroUSD {
	return MicroUSD(n)
}

// FromUSD converts whole USD to micro-USD.
func FromUSD(usd int64) MicroUSD {
	return MicroUSD(usd) * MicroPerUSD
}

// Parse parses the decimal-string wire form.
func Parse(s string) (MicroUSD, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid micro-USD amount %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid micro-USD amount %q: negative", s)
	}
	return MicroUSD(n), nil
}

func (m MicroUSD) Int64() int64 {
	return int64(m)
}

func (m MicroUSD) Add(other MicroUSD) MicroUSD {
	return m + other
}

// Sub subtracts, flooring at zero. The billing core never represents debt;
// a would-be-negative result indicates a guard was skipped upstream.
func (m MicroUSD) Sub(other MicroUSD) MicroUSD {
	if other > m {
		return 0
	}
	return m - other
}

func (m MicroUSD) Mul(factor int64) MicroUSD {
	return m * MicroUSD(factor)
}

// Div divides flooring toward zero. The discarded remainder must be carried
// by an Accumulator, never dropped.
func (m MicroUSD) Div(divisor int64) MicroUSD {
	if divisor == 0 {
		return 0
	}
	return m / MicroUSD(divisor)
}

func (m MicroUSD) IsZero() bool {
	return m == 0
}

func (m MicroUSD) IsNegative() bool {
	return m < 0
}

// String returns the decimal wire form.
func (m MicroUSD) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// MarshalJSON encodes as a JSON string, per the wire contract.
func (m MicroUSD) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both the string wire form and a bare JSON number.
// Numbers appear in legacy envelopes written before the string contract.
func (m *MicroUSD) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := Parse(s)
		if perr != nil {
			return perr
		}
		*m = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("micro-USD must be a decimal string or integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("invalid micro-USD amount %d: negative", n)
	}
	*m = MicroUSD(n)
	return nil
}
