package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/lab"
)

// LabHandler serves patients, doctors, the test catalog, orders and
// results.
type LabHandler struct {
	svc    *lab.Service
	logger *zap.Logger
}

// NewLabHandler creates a LabHandler.
func NewLabHandler(svc *lab.Service, logger *zap.Logger) *LabHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LabHandler{svc: svc, logger: logger}
}

// Register adds the handler routes to r.
func (h *LabHandler) Register(r chi.Router) {
	r.Route("/patients", func(r chi.Router) {
		r.Post("/", h.CreatePatient)
		r.Get("/", h.ListPatients)
		r.Get("/{id}", h.GetPatient)
		r.Delete("/{id}", h.deleteWith(h.svc.DeletePatient))
		r.Get("/{id}/orders", h.ListPatientOrders)
	})
	r.Route("/doctors", func(r chi.Router) {
		r.Post("/", h.CreateDoctor)
		r.Get("/{id}", h.GetDoctor)
		r.Delete("/{id}", h.deleteWith(h.svc.DeleteDoctor))
	})
	r.Route("/sample-types", func(r chi.Router) {
		r.Post("/", h.CreateSampleType)
		r.Get("/", h.ListSampleTypes)
		r.Delete("/{id}", h.deleteWith(h.svc.DeleteSampleType))
	})
	r.Route("/lab-tests", func(r chi.Router) {
		r.Post("/", h.CreateLabTest)
		r.Get("/", h.ListLabTests)
		r.Get("/{id}", h.GetLabTest)
		r.Delete("/{id}", h.deleteWith(h.svc.DeleteLabTest))
		r.Get("/{id}/ranges", h.ListRanges)
		r.Post("/{id}/ranges", h.AddRange)
	})
	r.Delete("/reference-ranges/{id}", h.DeleteRange)
	r.Post("/catalog/sync", h.SyncCatalog)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/by-number/{number}", h.GetOrderByNumber)
		r.Get("/{id}", h.GetOrder)
		r.Delete("/{id}", h.deleteWith(h.svc.DeleteOrder))
		r.Get("/{id}/report", h.OrderReport)
		r.Get("/{id}/summary", h.OrderSummary)
		r.Get("/{id}/tubes", h.RequiredTubes)
		r.Put("/{id}/tests/{testID}/result", h.AddResult)
	})
	r.Route("/results", func(r chi.Router) {
		r.Put("/{id}", h.RecordResult)
		r.Delete("/{id}", h.DeleteResult)
	})
}

// PatientRequest is the body of POST /patients.
type PatientRequest struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	DocumentID string `json:"document_id"`
	Sex        string `json:"sex"`
	// BirthDate is YYYY-MM-DD.
	BirthDate string `json:"birth_date"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

// CreatePatient handles POST /patients
func (h *LabHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req PatientRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	birth, err := time.Parse(time.DateOnly, strings.TrimSpace(req.BirthDate))
	if err != nil {
		writeError(w, r, h.logger, apperr.Invalid("birth_date must be YYYY-MM-DD, got %q", req.BirthDate))
		return
	}

	p, err := h.svc.CreatePatient(r.Context(), lab.NewPatient{
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		DocumentID: req.DocumentID,
		Sex:        req.Sex,
		BirthDate:  birth,
		Phone:      req.Phone,
		Email:      req.Email,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPatients handles GET /patients
func (h *LabHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListPatients(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetPatient handles GET /patients/{id}
func (h *LabHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.svc.GetPatient(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPatientOrders handles GET /patients/{id}/orders
func (h *LabHandler) ListPatientOrders(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.svc.GetPatient(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	orders, err := h.svc.ListOrders(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CreateDoctor handles POST /doctors
func (h *LabHandler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	var req lab.NewDoctor
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.svc.CreateDoctor(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDoctor handles GET /doctors/{id}
func (h *LabHandler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.svc.GetDoctor(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CreateSampleType handles POST /sample-types
func (h *LabHandler) CreateSampleType(w http.ResponseWriter, r *http.Request) {
	var req lab.SampleType
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	st, err := h.svc.CreateSampleType(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListSampleTypes handles GET /sample-types
func (h *LabHandler) ListSampleTypes(w http.ResponseWriter, r *http.Request) {
	sts, err := h.svc.ListSampleTypes(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sts)
}

// CreateLabTest handles POST /lab-tests
func (h *LabHandler) CreateLabTest(w http.ResponseWriter, r *http.Request) {
	var req lab.LabTest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	lt, err := h.svc.CreateLabTest(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, lt)
}

// ListLabTests handles GET /lab-tests
func (h *LabHandler) ListLabTests(w http.ResponseWriter, r *http.Request) {
	lts, err := h.svc.ListLabTests(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, lts)
}

// GetLabTest handles GET /lab-tests/{id}
func (h *LabHandler) GetLabTest(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	lt, err := h.svc.GetLabTest(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, lt)
}

// RangeRequest is the body of POST /lab-tests/{id}/ranges.
type RangeRequest struct {
	Sex    string          `json:"sex"`
	MinAge int             `json:"min_age"`
	MaxAge int             `json:"max_age"`
	Min    decimal.Decimal `json:"min_value"`
	Max    decimal.Decimal `json:"max_value"`
}

// AddRange handles POST /lab-tests/{id}/ranges
func (h *LabHandler) AddRange(w http.ResponseWriter, r *http.Request) {
	testID, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req RangeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rr, err := h.svc.AddReferenceRange(r.Context(), clinical.ReferenceRange{
		TestID: testID,
		Sex:    clinical.Sex(req.Sex),
		MinAge: req.MinAge,
		MaxAge: req.MaxAge,
		Min:    req.Min,
		Max:    req.Max,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rr)
}

// ListRanges handles GET /lab-tests/{id}/ranges
func (h *LabHandler) ListRanges(w http.ResponseWriter, r *http.Request) {
	testID, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.svc.GetLabTest(r.Context(), testID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rs, err := h.svc.ReferenceRanges(r.Context(), testID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// DeleteRange handles DELETE /reference-ranges/{id}
func (h *LabHandler) DeleteRange(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.DeleteReferenceRange(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncCatalog handles POST /catalog/sync
func (h *LabHandler) SyncCatalog(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SyncReferenceCatalog(r.Context(), lab.DefaultCatalog())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateOrder handles POST /orders
func (h *LabHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req lab.NewOrder
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	o, err := h.svc.CreateOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder handles GET /orders/{id}
func (h *LabHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	o, err := h.svc.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetOrderByNumber handles GET /orders/by-number/{number}
func (h *LabHandler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrderByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// OrderReport handles GET /orders/{id}/report
func (h *LabHandler) OrderReport(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rep, err := h.svc.OrderReport(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// OrderSummary handles GET /orders/{id}/summary
func (h *LabHandler) OrderSummary(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sum, err := h.svc.OrderSummary(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// RequiredTubes handles GET /orders/{id}/tubes
func (h *LabHandler) RequiredTubes(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	tubes, err := h.svc.RequiredTubes(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tubes)
}

// AddResult handles PUT /orders/{id}/tests/{testID}/result
func (h *LabHandler) AddResult(w http.ResponseWriter, r *http.Request) {
	orderID, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	testID, err := idParam(r, "testID")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req lab.ResultInput
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.svc.AddResult(r.Context(), orderID, testID, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordResult handles PUT /results/{id}
func (h *LabHandler) RecordResult(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req lab.ResultInput
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.svc.RecordResult(r.Context(), id, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteResult handles DELETE /results/{id}
func (h *LabHandler) DeleteResult(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.DeleteResult(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteWith adapts a guarded delete to DELETE /{id}.
func (h *LabHandler) deleteWith(del func(ctx context.Context, id int64) (guard.Decision, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r, "id")
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if _, err := del(r.Context(), id); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
