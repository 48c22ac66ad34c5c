package credit

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// HealthStatus buckets a health factor for display.
type HealthStatus string

const (
	HealthSafe                HealthStatus = "Safe"
	HealthRisk                HealthStatus = "Risk"
	HealthLiquidationImminent HealthStatus = "Liquidation Imminent"
)

var (
	// NoDebtHealthFactor is reported when nothing has been drawn.
	NoDebtHealthFactor = decimal.NewFromInt(100)

	maxHealthFactor = decimal.RequireFromString("2.5")
	safeThreshold   = decimal.RequireFromString("1.5")
	riskThreshold   = decimal.RequireFromString("1.1")
)

// healthFactorPlaces is the precision of a reported factor. Classification
// does not use it; see StatusOfUser.
const healthFactorPlaces = 18

// HealthFactor is credit_line / used_credit capped to [0, 2.5], or 100 for a
// user without debt. 1.0 is the point where all granted credit is drawn.
func HealthFactor(user *UserLedger) decimal.Decimal {
	if user.UsedCredit == 0 {
		return NoDebtHealthFactor
	}

	limit := decimalFromUint64(user.CreditLine)
	used := decimalFromUint64(user.UsedCredit)
	factor := limit.DivRound(used, healthFactorPlaces)

	if factor.GreaterThan(maxHealthFactor) {
		return maxHealthFactor
	}
	if factor.IsNegative() {
		return decimal.Zero
	}
	return factor
}

// StatusOfUser classifies credit_line / used_credit without dividing, so a
// ratio just above a threshold is never rounded onto it.
func StatusOfUser(user *UserLedger) HealthStatus {
	if user.UsedCredit == 0 {
		return HealthSafe
	}
	limit := decimalFromUint64(user.CreditLine)
	used := decimalFromUint64(user.UsedCredit)

	switch {
	case limit.GreaterThan(used.Mul(safeThreshold)):
		return HealthSafe
	case limit.GreaterThan(used.Mul(riskThreshold)):
		return HealthRisk
	default:
		return HealthLiquidationImminent
	}
}

// StatusOf classifies an already computed health factor.
func StatusOf(factor decimal.Decimal) HealthStatus {
	switch {
	case factor.GreaterThan(safeThreshold):
		return HealthSafe
	case factor.GreaterThan(riskThreshold):
		return HealthRisk
	default:
		return HealthLiquidationImminent
	}
}

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
