package clinical

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/biolis/go-lis/internal/apperr"
)

// ReferenceRange is the normal interval of a test for a sex and an
// inclusive band of ages in whole years.
type ReferenceRange struct {
	ID     int64           `json:"id"`
	TestID int64           `json:"test_id"`
	Sex    Sex             `json:"sex"`
	MinAge int             `json:"min_age"`
	MaxAge int             `json:"max_age"`
	Min    decimal.Decimal `json:"min_value"`
	Max    decimal.Decimal `json:"max_value"`
}

// Validate checks the range's own invariants.
func (r ReferenceRange) Validate() error {
	if r.TestID <= 0 {
		return apperr.Invalid("reference range needs a test")
	}
	if _, err := ParseSex(string(r.Sex)); err != nil {
		return err
	}
	if r.MinAge < 0 || r.MinAge > r.MaxAge {
		return apperr.Invalid("age band %d-%d is not valid", r.MinAge, r.MaxAge)
	}
	if r.Min.GreaterThan(r.Max) {
		return apperr.Invalid("minimum %s exceeds maximum %s", r.Min, r.Max)
	}
	return nil
}

// AgeWidth is the size of the age band.
func (r ReferenceRange) AgeWidth() int { return r.MaxAge - r.MinAge }

// Covers reports whether the range applies to testID, sex and age.
func (r ReferenceRange) Covers(testID int64, sex Sex, age int) bool {
	return r.TestID == testID &&
		age >= r.MinAge && age <= r.MaxAge &&
		(r.Sex == sex || r.Sex == SexAny)
}

// String renders the value interval, e.g. "70 - 110".
func (r ReferenceRange) String() string {
	return fmt.Sprintf("%s - %s", r.Min, r.Max)
}

// SelectRange picks the most specific range among candidates. Ranges for
// the exact sex beat SexAny, then the narrowest age band wins, then the
// lowest ID. The second result is false when nothing applies.
func SelectRange(candidates []ReferenceRange, testID int64, sex Sex, age int) (ReferenceRange, bool) {
	var matches []ReferenceRange
	for _, c := range candidates {
		if c.Covers(testID, sex, age) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return ReferenceRange{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if ea, eb := a.Sex == sex, b.Sex == sex; ea != eb {
			return ea
		}
		if a.AgeWidth() != b.AgeWidth() {
			return a.AgeWidth() < b.AgeWidth()
		}
		return a.ID < b.ID
	})
	return matches[0], true
}
