// Package sequence allocates identifiers as max(existing)+1 and issues
// per-day order numbers. Both are computed from the live tables inside the
// caller's inserting transaction, serialized per domain, so two concurrent
// allocations never observe the same maximum.
package sequence

import (
	"sort"
	"strings"

	"github.com/biolis/go-lis/internal/apperr"
)

// Domain is a named identifier space backed by one table column.
type Domain struct {
	Name   string
	Table  string
	Column string
}

func (d Domain) lockKey() string { return "sequence:" + d.Table }

var (
	Patients        = Domain{Name: "Patients", Table: "patients", Column: "id"}
	Doctors         = Domain{Name: "Doctors", Table: "doctors", Column: "id"}
	Orders          = Domain{Name: "Orders", Table: "orders", Column: "id"}
	LabTests        = Domain{Name: "LabTests", Table: "lab_tests", Column: "id"}
	SampleTypes     = Domain{Name: "SampleTypes", Table: "sample_types", Column: "id"}
	TestResults     = Domain{Name: "TestResults", Table: "test_results", Column: "id"}
	ReferenceRanges = Domain{Name: "ReferenceRanges", Table: "reference_ranges", Column: "id"}
	Users           = Domain{Name: "Users", Table: "users", Column: "id"}
)

var domains = map[string]Domain{}

func init() {
	for _, d := range []Domain{Patients, Doctors, Orders, LabTests, SampleTypes, TestResults, ReferenceRanges, Users} {
		domains[strings.ToLower(d.Name)] = d
	}
}

// Lookup returns the domain registered under name, case-insensitively.
// Unknown names are rejected rather than defaulting to 1.
func Lookup(name string) (Domain, error) {
	d, ok := domains[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Domain{}, apperr.Invalid("unknown sequence domain %q", name)
	}
	return d, nil
}

// Domains lists the known domains by name.
func Domains() []Domain {
	out := make([]Domain, 0, len(domains))
	for _, d := range domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
