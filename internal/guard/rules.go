// Package guard decides whether a record may be deleted given the rows
// that still reference it, and performs the delete atomically with that
// decision.
package guard

import (
	"strings"

	"github.com/biolis/go-lis/internal/apperr"
)

// Kind names a guarded entity.
type Kind string

const (
	KindPatient    Kind = "Patients"
	KindDoctor     Kind = "Doctors"
	KindSampleType Kind = "SampleTypes"
	KindLabTest    Kind = "LabTests"
	KindOrder      Kind = "Orders"
)

// Rule is one dependent table whose rows block a delete.
type Rule struct {
	ChildTable string
	Column     string
	// Noun describes the dependent rows in a blocking reason.
	Noun string
}

// Entity describes a guarded parent table and the rules that protect it.
type Entity struct {
	Kind  Kind
	Table string
	// Label is how the entity is named in a blocking reason.
	Label string
	Rules []Rule
}

var entities = map[Kind]Entity{
	KindPatient: {
		Kind: KindPatient, Table: "patients", Label: "patient",
		Rules: []Rule{{ChildTable: "orders", Column: "patient_id", Noun: "orders"}},
	},
	KindDoctor: {
		Kind: KindDoctor, Table: "doctors", Label: "doctor",
		Rules: []Rule{
			{ChildTable: "orders", Column: "doctor_id", Noun: "orders"},
			{ChildTable: "users", Column: "doctor_id", Noun: "user accounts"},
		},
	},
	KindSampleType: {
		Kind: KindSampleType, Table: "sample_types", Label: "sample type",
		Rules: []Rule{{ChildTable: "lab_tests", Column: "sample_id", Noun: "lab tests"}},
	},
	KindLabTest: {
		Kind: KindLabTest, Table: "lab_tests", Label: "lab test",
		Rules: []Rule{
			{ChildTable: "test_results", Column: "test_id", Noun: "results"},
			{ChildTable: "reference_ranges", Column: "test_id", Noun: "reference ranges"},
		},
	},
	KindOrder: {
		Kind: KindOrder, Table: "orders", Label: "order",
		Rules: []Rule{{ChildTable: "test_results", Column: "order_id", Noun: "results"}},
	},
}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	for k := range entities {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", apperr.Invalid("unknown entity kind %q", s)
}

// EntityFor returns the guard definition for k.
func EntityFor(k Kind) (Entity, error) {
	e, ok := entities[k]
	if !ok {
		return Entity{}, apperr.Invalid("unknown entity kind %q", k)
	}
	return e, nil
}
