// Package clinical resolves the reference range that applies to a patient
// and classifies measured values against it.
package clinical

import (
	"strings"

	"github.com/biolis/go-lis/internal/apperr"
)

// Sex is a biological sex code. Reference ranges may use SexAny; patients
// are always SexMale or SexFemale.
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexAny    Sex = "A"
)

// ParseSex accepts the one-letter codes or their English names.
func ParseSex(s string) (Sex, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE":
		return SexMale, nil
	case "F", "FEMALE":
		return SexFemale, nil
	case "A", "ANY":
		return SexAny, nil
	}
	return "", apperr.Invalid("unknown sex %q", s)
}

// ParsePatientSex is ParseSex restricted to M and F.
func ParsePatientSex(s string) (Sex, error) {
	sex, err := ParseSex(s)
	if err != nil {
		return "", err
	}
	if sex == SexAny {
		return "", apperr.Invalid("patient sex must be M or F")
	}
	return sex, nil
}
