package lab

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/biolis/go-lis/internal/clinical"
)

// Patient is a person tests are ordered for.
type Patient struct {
	ID         int64        `json:"id"`
	FirstName  string       `json:"first_name"`
	LastName   string       `json:"last_name"`
	DocumentID string       `json:"document_id,omitempty"`
	Sex        clinical.Sex `json:"sex"`
	BirthDate  time.Time    `json:"birth_date"`
	Phone      string       `json:"phone,omitempty"`
	Email      string       `json:"email,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// FullName joins first and last name.
func (p Patient) FullName() string { return p.FirstName + " " + p.LastName }

// NewPatient is the input to CreatePatient.
type NewPatient struct {
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	DocumentID string    `json:"document_id"`
	Sex        string    `json:"sex"`
	BirthDate  time.Time `json:"birth_date"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email"`
}

// Doctor is the requesting physician of an order.
type Doctor struct {
	ID            int64     `json:"id"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	LicenseNumber string    `json:"license_number,omitempty"`
	Specialty     string    `json:"specialty,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewDoctor is the input to CreateDoctor.
type NewDoctor struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	LicenseNumber string `json:"license_number"`
	Specialty     string `json:"specialty"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
}

// SampleType is a specimen kind and the tube it is collected in.
type SampleType struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	ContainerColor string `json:"container_color"`
	Description    string `json:"description,omitempty"`
}

// LabTest is an orderable test.
type LabTest struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	SampleID int64  `json:"sample_id"`
	Units    string `json:"units,omitempty"`
}

// Order groups the tests requested for a patient at one time.
type Order struct {
	ID          int64     `json:"id"`
	OrderNumber string    `json:"order_number"`
	PatientID   int64     `json:"patient_id"`
	DoctorID    int64     `json:"doctor_id"`
	OrderDate   time.Time `json:"order_date"`
	Notes       string    `json:"notes,omitempty"`
	Results     []Result  `json:"results,omitempty"`
}

// NewOrder is the input to CreateOrder.
type NewOrder struct {
	PatientID int64   `json:"patient_id"`
	DoctorID  int64   `json:"doctor_id"`
	TestIDs   []int64 `json:"test_ids"`
	Notes     string  `json:"notes"`
}

// Result is one test of an order. IsAbnormal always reflects the
// classification of Value at the time it was written.
type Result struct {
	ID         int64               `json:"id"`
	OrderID    int64               `json:"order_id"`
	TestID     int64               `json:"test_id"`
	Value      decimal.NullDecimal `json:"value"`
	IsAbnormal bool                `json:"is_abnormal"`
	Notes      string              `json:"notes,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`

	// Status is set by operations that classify the result.
	Status clinical.Status `json:"status,omitempty"`
}

// ReportLine is a result as printed on an order report.
type ReportLine struct {
	ResultID       int64               `json:"result_id"`
	TestID         int64               `json:"test_id"`
	TestCode       string              `json:"test_code"`
	TestName       string              `json:"test_name"`
	Units          string              `json:"units,omitempty"`
	Value          decimal.NullDecimal `json:"value"`
	Status         clinical.Status     `json:"status"`
	IsAbnormal     bool                `json:"is_abnormal"`
	ReferenceRange string              `json:"reference_range,omitempty"`
	Notes          string              `json:"notes,omitempty"`
}

// OrderReport is an order with its patient context and classified results.
type OrderReport struct {
	Order       Order        `json:"order"`
	PatientName string       `json:"patient_name"`
	PatientSex  clinical.Sex `json:"patient_sex"`
	PatientAge  int          `json:"patient_age"`
	DoctorName  string       `json:"doctor_name"`
	Lines       []ReportLine `json:"lines"`
}

// OrderSummary counts an order's results by state.
type OrderSummary struct {
	OrderID           int64   `json:"order_id"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Pending           int     `json:"pending"`
	Normal            int     `json:"normal"`
	Abnormal          int     `json:"abnormal"`
	Critical          int     `json:"critical"`
	NoRange           int     `json:"no_range"`
	CompletionPercent float64 `json:"completion_percent"`
}

// Tube is a specimen container needed to collect an order.
type Tube struct {
	SampleTypeID   int64  `json:"sample_type_id"`
	SampleName     string `json:"sample_name"`
	ContainerColor string `json:"container_color"`
	TestCount      int64  `json:"test_count"`
}
