package math

import (
	"math/big"
	"math/bits"
	"sync"
)

// PercentScale is the denominator of every ratio expressed in percent.
const PercentScale = 100

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyUint128 performs a * b in a wide intermediate. The caller must
// return the result with Release.
func MultiplyUint128(a, b uint64) *big.Int {
	result := getInt128()
	result.SetUint64(a)
	factor := getInt128()
	factor.SetUint64(b)
	result.Mul(result, factor)
	putInt128(factor)
	return result
}

// Release returns a value obtained from MultiplyUint128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideFloor performs numerator / denominator truncating toward zero.
// ok is false when the quotient does not fit in 64 bits.
func DivideFloor(numerator *big.Int, denominator uint64) (result uint64, ok bool) {
	if denominator == 0 {
		panic("math: division by zero")
	}
	denom := getInt128()
	denom.SetUint64(denominator)
	quotient := getInt128()
	quotient.Quo(numerator, denom)

	ok = quotient.IsUint64()
	if ok {
		result = quotient.Uint64()
	}

	putInt128(denom)
	putInt128(quotient)
	return result, ok
}

// MulDivFloor returns floor(a * b / denominator) computed without
// intermediate overflow.
func MulDivFloor(a, b, denominator uint64) (uint64, bool) {
	product := MultiplyUint128(a, b)
	defer Release(product)
	return DivideFloor(product, denominator)
}

// PercentOf returns floor(amount * percent / 100). percent must be <= 100.
func PercentOf(amount uint64, percent uint8) uint64 {
	v, ok := MulDivFloor(amount, uint64(percent), PercentScale)
	if !ok {
		panic("math: percent of amount overflows uint64")
	}
	return v
}

// CheckedAdd returns a + b, ok is false on overflow.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// CheckedSub returns a - b, ok is false on underflow.
func CheckedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

// SaturatingSub returns a - b, clamped to 0.
func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// SaturatingMul returns a * b, clamped to the maximum uint64.
func SaturatingMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}
