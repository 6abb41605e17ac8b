package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
)

// ClinicalHandler exposes delete checks and reference-range lookups
// without mutating anything.
type ClinicalHandler struct {
	guard    *guard.Guard
	resolver *clinical.Resolver
	logger   *zap.Logger
}

// NewClinicalHandler creates a ClinicalHandler.
func NewClinicalHandler(g *guard.Guard, resolver *clinical.Resolver, logger *zap.Logger) *ClinicalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClinicalHandler{guard: g, resolver: resolver, logger: logger}
}

// Register adds the handler routes to r.
func (h *ClinicalHandler) Register(r chi.Router) {
	r.Get("/guards/{kind}/{id}", h.CanDelete)
	r.Get("/ranges/resolve", h.ResolveRange)
}

// CanDelete handles GET /guards/{kind}/{id}
func (h *ClinicalHandler) CanDelete(w http.ResponseWriter, r *http.Request) {
	kind, err := guard.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.guard.CanDelete(r.Context(), kind, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ResolveResponse is the body of GET /ranges/resolve.
type ResolveResponse struct {
	TestID int64                    `json:"test_id"`
	Sex    clinical.Sex             `json:"sex"`
	Age    int                      `json:"age"`
	Range  *clinical.ReferenceRange `json:"range"`
	// Display is the range as printed on reports.
	Display string              `json:"display,omitempty"`
	Value   decimal.NullDecimal `json:"value"`
	Status  clinical.Status     `json:"status,omitempty"`
}

// ResolveRange handles GET /ranges/resolve. The subject is either
// patient_id or an explicit sex and age. With value set the response also
// carries its classification; without it a missing range is a 404.
func (h *ClinicalHandler) ResolveRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	testID, ok, err := queryInt(r, "test_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeError(w, r, h.logger, apperr.Invalid("test_id is required"))
		return
	}

	var value decimal.NullDecimal
	if raw := q.Get("value"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, r, h.logger, apperr.Invalid("value must be a decimal, got %q", raw))
			return
		}
		value = decimal.NewNullDecimal(d)
	}

	resp := ResolveResponse{TestID: testID, Value: value}
	patientID, byPatient, err := queryInt(r, "patient_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if byPatient {
		subject, err := h.resolver.LoadSubject(ctx, nil, patientID)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		resp.Sex, resp.Age = subject.Sex, h.resolver.Age(subject)
	} else {
		if resp.Sex, err = clinical.ParsePatientSex(q.Get("sex")); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if resp.Age, err = strconv.Atoi(q.Get("age")); err != nil || resp.Age < 0 {
			writeError(w, r, h.logger, apperr.Invalid("age must be a non-negative integer, got %q", q.Get("age")))
			return
		}
	}

	rng, err := h.resolver.ResolveRange(ctx, testID, resp.Sex, resp.Age)
	switch {
	case err == nil:
		resp.Range, resp.Display = &rng, rng.String()
	case errors.Is(err, apperr.ErrNotFound) && value.Valid:
	default:
		writeError(w, r, h.logger, err)
		return
	}
	if value.Valid {
		resp.Status = clinical.Classify(value, resp.Range)
	}
	writeJSON(w, http.StatusOK, resp)
}
