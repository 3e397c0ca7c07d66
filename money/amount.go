// Package money holds ledger values in the ledger's smallest unit.
//
// Amounts are integers end to end. Human-readable decimal strings exist only
// at the boundary, through Parse and Format.
package money

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is a non-negative integer count of the ledger's smallest unit.
// The zero value (nil Int) is zero.
type Amount struct {
	*big.Int
}

var Zero = Amount{}

func NewAmount(i uint64) Amount {
	return Amount{new(big.Int).SetUint64(i)}
}

// FromString parses a base-10 integer string in smallest units.
func FromString(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("money: failed to parse %q as an integer amount", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("money: negative amount %q", s)
	}
	return Amount{v}, nil
}

func (a Amount) val() *big.Int {
	if a.Int == nil {
		return new(big.Int)
	}
	return a.Int
}

func (a Amount) IsZero() bool { return a.val().Sign() == 0 }

// Cmp compares a and b as integers.
func (a Amount) Cmp(b Amount) int { return a.val().Cmp(b.val()) }

func (a Amount) Equals(b Amount) bool { return a.Cmp(b) == 0 }

func Add(a, b Amount) Amount { return Amount{new(big.Int).Add(a.val(), b.val())} }

// Sub returns a-b. The caller must ensure a >= b.
func Sub(a, b Amount) Amount { return Amount{new(big.Int).Sub(a.val(), b.val())} }

func (a Amount) String() string { return a.val().String() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.val().String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("money: amount must be a string: %w", err)
	}
	v, err := FromString(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Amount) MarshalText() ([]byte, error) { return []byte(a.val().String()), nil }

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := FromString(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
