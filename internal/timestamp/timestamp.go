// Package timestamp converts numeric GELF timestamps (seconds since the Unix
// epoch, possibly fractional) into time.Time values.
//
// Three input families are supported:
//
//   - integers: whole seconds, zero fractional part
//   - binary floating point: the fraction is rounded to microseconds; digits
//     beyond float64 precision are lost, so long fractions may drift by up to
//     a millisecond
//   - arbitrary-precision decimals (json.Number, *big.Rat, *big.Float): the
//     integer part is used as seconds and the fraction is multiplied by
//     1,000,000 and rounded to microseconds without a float round-trip
//
// Negative and zero values follow the same rules. Results are in UTC. Values
// whose whole seconds do not fit in an int64 are rejected.
package timestamp

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrNotNumeric is returned when a value cannot be read as a number
	ErrNotNumeric = errors.New("timestamp is not numeric")

	// ErrOutOfRange is returned when the seconds overflow an int64
	ErrOutOfRange = errors.New("timestamp out of range")
)

// maxFloatSeconds is the first float64 at or beyond 2^63
const maxFloatSeconds = 1 << 63

var microsPerSecond = big.NewRat(1_000_000, 1)

// Coerce converts a numeric value to an instant. ok is false when v is not a
// supported numeric type.
func Coerce(v interface{}) (time.Time, bool) {
	switch n := v.(type) {
	case int:
		return FromSeconds(int64(n)), true
	case int32:
		return FromSeconds(int64(n)), true
	case int64:
		return FromSeconds(n), true
	case uint:
		return FromSeconds(int64(n)), true
	case uint32:
		return FromSeconds(int64(n)), true
	case uint64:
		if n > math.MaxInt64 {
			return time.Time{}, false
		}
		return FromSeconds(int64(n)), true
	case float32:
		return coerceFloat(float64(n))
	case float64:
		return coerceFloat(n)
	case json.Number:
		t, err := FromNumber(n)
		return t, err == nil
	case *big.Rat:
		if n == nil {
			return time.Time{}, false
		}
		t, err := FromRat(n)
		return t, err == nil
	case *big.Float:
		if n == nil || n.IsInf() {
			return time.Time{}, false
		}
		r, _ := n.Rat(nil)
		t, err := FromRat(r)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

func coerceFloat(f float64) (time.Time, bool) {
	if math.IsNaN(f) || f >= maxFloatSeconds || f <= -maxFloatSeconds {
		return time.Time{}, false
	}
	return FromFloat(f), true
}

// FromSeconds returns the instant for whole seconds since the epoch
func FromSeconds(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// FromFloat returns the instant for fractional seconds held in a float64
func FromFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	micros := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(micros)*int64(time.Microsecond)).UTC()
}

// FromNumber converts a JSON number. Numbers without a fraction or exponent
// are treated as integers; everything else goes through the decimal path.
func FromNumber(n json.Number) (time.Time, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if sec, err := n.Int64(); err == nil {
			return FromSeconds(sec), nil
		}
	}
	return FromDecimalString(s)
}

// FromDecimalString parses a decimal literal exactly
func FromDecimalString(s string) (time.Time, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	return FromRat(r)
}

// FromRat converts an exact rational number of seconds
func FromRat(r *big.Rat) (time.Time, error) {
	// Quo truncates toward zero, so the fraction carries the sign of r
	sec := new(big.Int).Quo(r.Num(), r.Denom())
	if !sec.IsInt64() {
		return time.Time{}, fmt.Errorf("%w: %s", ErrOutOfRange, r.FloatString(0))
	}
	frac := new(big.Rat).Sub(r, new(big.Rat).SetInt(sec))
	frac.Mul(frac, microsPerSecond)

	micros := roundHalfAwayFromZero(frac)
	return time.Unix(sec.Int64(), micros*int64(time.Microsecond)).UTC(), nil
}

func roundHalfAwayFromZero(r *big.Rat) int64 {
	num := r.Num()
	den := r.Denom()

	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	twiceRem := new(big.Int).Abs(m)
	twiceRem.Lsh(twiceRem, 1)
	if twiceRem.Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q.Int64()
}
