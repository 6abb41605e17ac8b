package clinical

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/biolis/go-lis/internal/apperr"
)

func rng(id int64, sex Sex, minAge, maxAge int, min, max string) ReferenceRange {
	return ReferenceRange{
		ID: id, TestID: 1, Sex: sex, MinAge: minAge, MaxAge: maxAge,
		Min: decimal.RequireFromString(min), Max: decimal.RequireFromString(max),
	}
}

func value(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestSelectRangePrefersExactSex(t *testing.T) {
	candidates := []ReferenceRange{
		rng(1, SexAny, 0, 120, "1", "10"),
		rng(2, SexFemale, 18, 65, "2", "8"),
	}
	got, ok := SelectRange(candidates, 1, SexFemale, 30)
	if !ok || got.ID != 2 {
		t.Errorf("female 30: got %+v, %v; want range 2", got, ok)
	}

	got, ok = SelectRange(candidates, 1, SexMale, 30)
	if !ok || got.ID != 1 {
		t.Errorf("male 30: got %+v, %v; want range 1", got, ok)
	}
}

func TestSelectRangeExactSexBeatsNarrowerAny(t *testing.T) {
	candidates := []ReferenceRange{
		rng(1, SexAny, 25, 35, "1", "10"),
		rng(2, SexMale, 0, 120, "2", "8"),
	}
	got, _ := SelectRange(candidates, 1, SexMale, 30)
	if got.ID != 2 {
		t.Errorf("got range %d, want exact-sex range 2", got.ID)
	}
}

func TestSelectRangeNarrowestBandThenLowestID(t *testing.T) {
	candidates := []ReferenceRange{
		rng(5, SexMale, 0, 120, "1", "10"),
		rng(7, SexMale, 18, 40, "1", "10"),
		rng(6, SexMale, 20, 42, "1", "10"),
	}
	got, _ := SelectRange(candidates, 1, SexMale, 30)
	if got.ID != 6 {
		t.Errorf("got range %d, want 6 (narrowest band, lowest id)", got.ID)
	}
}

func TestSelectRangeNoMatch(t *testing.T) {
	candidates := []ReferenceRange{
		rng(1, SexFemale, 18, 65, "1", "10"),
		{ID: 2, TestID: 2, Sex: SexAny, MinAge: 0, MaxAge: 120},
	}
	if _, ok := SelectRange(candidates, 1, SexMale, 30); ok {
		t.Errorf("male should not match a female-only range")
	}
	if _, ok := SelectRange(candidates, 1, SexFemale, 70); ok {
		t.Errorf("age 70 is outside 18-65")
	}
	if _, ok := SelectRange(nil, 1, SexFemale, 30); ok {
		t.Errorf("no candidates should not match")
	}
}

func TestSelectRangeAgeBandIsInclusive(t *testing.T) {
	candidates := []ReferenceRange{rng(1, SexAny, 18, 65, "1", "10")}
	for _, age := range []int{18, 65} {
		if _, ok := SelectRange(candidates, 1, SexMale, age); !ok {
			t.Errorf("age %d should be covered", age)
		}
	}
}

func TestClassify(t *testing.T) {
	r := rng(1, SexAny, 0, 120, "10", "20")
	tests := []struct {
		name  string
		value decimal.NullDecimal
		rng   *ReferenceRange
		want  Status
	}{
		{"absent", decimal.NullDecimal{}, &r, StatusPending},
		{"absent without range", decimal.NullDecimal{}, nil, StatusPending},
		{"no range", value("15"), nil, StatusNoRange},
		{"middle", value("15"), &r, StatusNormal},
		{"lower bound", value("10"), &r, StatusNormal},
		{"upper bound", value("20"), &r, StatusNormal},
		{"just below", value("9"), &r, StatusAbnormal},
		{"band edge low", value("8"), &r, StatusAbnormal},
		{"band edge high", value("22"), &r, StatusAbnormal},
		{"past band low", value("7.99"), &r, StatusCritical},
		{"past band high", value("22.01"), &r, StatusCritical},
		{"far low", value("5"), &r, StatusCritical},
		{"far high", value("40"), &r, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.value, tt.rng); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyZeroWidthRange(t *testing.T) {
	r := rng(1, SexAny, 0, 120, "5", "5")
	if got := Classify(value("5"), &r); got != StatusNormal {
		t.Errorf("exact value = %s, want normal", got)
	}
	if got := Classify(value("5.1"), &r); got != StatusCritical {
		t.Errorf("any deviation = %s, want critical", got)
	}
}

func TestIsAbnormal(t *testing.T) {
	want := map[Status]bool{
		StatusPending:  false,
		StatusNoRange:  false,
		StatusNormal:   false,
		StatusAbnormal: true,
		StatusCritical: true,
	}
	for s, w := range want {
		if s.IsAbnormal() != w {
			t.Errorf("%s.IsAbnormal() = %v", s, !w)
		}
	}
}

func TestAgeAt(t *testing.T) {
	date := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		name  string
		birth time.Time
		at    time.Time
		want  int
	}{
		{"day before birthday", date(1990, 6, 15), date(2020, 6, 14), 29},
		{"on birthday", date(1990, 6, 15), date(2020, 6, 15), 30},
		{"earlier month", date(1990, 6, 15), date(2020, 5, 30), 29},
		{"leap birthday in common year", date(2000, 2, 29), date(2021, 2, 28), 20},
		{"leap birthday rolls on march 1", date(2000, 2, 29), date(2021, 3, 1), 21},
		{"leap birthday in leap year", date(2000, 2, 29), date(2024, 2, 29), 24},
		{"newborn", date(2024, 1, 1), date(2024, 1, 1), 0},
		{"future birth", date(2030, 1, 1), date(2024, 1, 1), -6},
	}
	for _, tt := range tests {
		if got := AgeAt(tt.birth, tt.at); got != tt.want {
			t.Errorf("%s: AgeAt = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestParseSex(t *testing.T) {
	for in, want := range map[string]Sex{"m": SexMale, "Female": SexFemale, " A ": SexAny} {
		got, err := ParseSex(in)
		if err != nil || got != want {
			t.Errorf("ParseSex(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSex("X"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := ParsePatientSex("A"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("patients cannot be Any, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	ok := rng(1, SexAny, 0, 120, "10", "20")
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := []ReferenceRange{
		rng(1, SexAny, 30, 20, "10", "20"),
		rng(1, SexAny, -1, 20, "10", "20"),
		rng(1, SexAny, 0, 20, "30", "20"),
		rng(1, Sex("X"), 0, 20, "10", "20"),
		{Sex: SexAny, MaxAge: 1},
	}
	for i, r := range bad {
		if err := r.Validate(); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}
