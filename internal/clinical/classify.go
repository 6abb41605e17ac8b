package clinical

import "github.com/shopspring/decimal"

// Status is the clinical classification of a result.
type Status string

const (
	StatusPending  Status = "pending"
	StatusNoRange  Status = "no_range"
	StatusNormal   Status = "normal"
	StatusAbnormal Status = "abnormal"
	StatusCritical Status = "critical"
)

// CriticalBandFraction widens the reference interval on each side by this
// fraction of its width. Values outside the interval but inside the band
// are abnormal; values outside the band are critical.
const CriticalBandFraction = 0.2

var criticalBand = decimal.NewFromFloat(CriticalBandFraction)

// IsAbnormal reports whether the status sets a result's abnormal flag.
func (s Status) IsAbnormal() bool {
	return s == StatusAbnormal || s == StatusCritical
}

// Classify grades value against rng. A missing value is pending and a nil
// range is no_range. Bounds are inclusive; a value exactly on the band
// edge is abnormal, not critical.
func Classify(value decimal.NullDecimal, rng *ReferenceRange) Status {
	if !value.Valid {
		return StatusPending
	}
	if rng == nil {
		return StatusNoRange
	}

	v := value.Decimal
	if v.GreaterThanOrEqual(rng.Min) && v.LessThanOrEqual(rng.Max) {
		return StatusNormal
	}

	margin := rng.Max.Sub(rng.Min).Mul(criticalBand)
	if v.LessThan(rng.Min.Sub(margin)) || v.GreaterThan(rng.Max.Add(margin)) {
		return StatusCritical
	}
	return StatusAbnormal
}
