package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biolis/go-lis/internal/api"
	"github.com/biolis/go-lis/internal/api/handlers"
	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/credential"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/lab"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/testutil"
)

const testKey = "test-api-key"

func newServer(t *testing.T, keys ...string) http.Handler {
	t.Helper()
	store := testutil.OpenStore(t)
	runner := testutil.Runner(store)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	allocator := sequence.New(runner, sequence.DefaultConfig(), m, nil)
	g := guard.New(runner, m, nil)
	resolver := clinical.NewResolver(store, clinical.DefaultConfig(), nil)
	creds, err := credential.NewService(runner, allocator, m, nil)
	if err != nil {
		t.Fatalf("credential.NewService: %v", err)
	}
	svc := lab.NewService(lab.Deps{
		Runner:    runner,
		Allocator: allocator,
		Guard:     g,
		Resolver:  resolver,
		Metrics:   m,
	}, nil)

	return api.NewRouter(api.Deps{
		Store:       store,
		Lab:         svc,
		Guard:       g,
		Resolver:    resolver,
		Credentials: creds,
		Metrics:     m,
		Gatherer:    reg,
		APIKeys:     keys,
		Version:     "test",
	}, nil)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, code int, out any) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, code, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
}

func TestProbesAndMetrics(t *testing.T) {
	h := newServer(t)

	expect(t, do(t, h, http.MethodGet, "/health", nil), http.StatusOK, nil)
	expect(t, do(t, h, http.MethodGet, "/ready", nil), http.StatusOK, nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	expect(t, rec, http.StatusOK, nil)
	if !strings.Contains(rec.Body.String(), "lis_http_request_duration_seconds") {
		t.Errorf("metrics output lacks request histogram:\n%s", rec.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := newServer(t, testKey)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	expect(t, do(t, h, http.MethodGet, "/api/v1/patients", nil), http.StatusOK, nil)
	expect(t, do(t, h, http.MethodGet, "/health", nil), http.StatusOK, nil)
}

func TestOrderLifecycle(t *testing.T) {
	h := newServer(t, testKey)

	var st lab.SampleType
	expect(t, do(t, h, http.MethodPost, "/api/v1/sample-types", map[string]any{
		"name": "Serum", "container_color": "Red",
	}), http.StatusCreated, &st)

	var glu lab.LabTest
	expect(t, do(t, h, http.MethodPost, "/api/v1/lab-tests", map[string]any{
		"code": "glu", "name": "Glucose", "sample_id": st.ID, "units": "mg/dL",
	}), http.StatusCreated, &glu)
	if glu.Code != "GLU" {
		t.Errorf("code = %q, want GLU", glu.Code)
	}

	var rng clinical.ReferenceRange
	expect(t, do(t, h, http.MethodPost, "/api/v1/lab-tests/1/ranges", map[string]any{
		"sex": "any", "min_age": 0, "max_age": 120, "min_value": 10, "max_value": 20,
	}), http.StatusCreated, &rng)
	if rng.Sex != clinical.SexAny {
		t.Errorf("range sex = %q, want A", rng.Sex)
	}

	var p lab.Patient
	expect(t, do(t, h, http.MethodPost, "/api/v1/patients", map[string]any{
		"first_name": "Ana", "last_name": "Ruiz", "sex": "F", "birth_date": "1990-01-10",
	}), http.StatusCreated, &p)

	var d lab.Doctor
	expect(t, do(t, h, http.MethodPost, "/api/v1/doctors", map[string]any{
		"first_name": "Luis", "last_name": "Mora", "license_number": "MED-100",
	}), http.StatusCreated, &d)

	var o lab.Order
	expect(t, do(t, h, http.MethodPost, "/api/v1/orders", map[string]any{
		"patient_id": p.ID, "doctor_id": d.ID, "test_ids": []int64{glu.ID},
	}), http.StatusCreated, &o)
	if !regexp.MustCompile(`^ORD-\d{8}-0001$`).MatchString(o.OrderNumber) {
		t.Errorf("order number = %q", o.OrderNumber)
	}
	if len(o.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(o.Results))
	}

	var res lab.Result
	expect(t, do(t, h, http.MethodPut, "/api/v1/results/1", map[string]any{"value": 25}), http.StatusOK, &res)
	if res.Status != clinical.StatusCritical || !res.IsAbnormal {
		t.Errorf("result = %s abnormal=%v, want critical abnormal", res.Status, res.IsAbnormal)
	}

	var report lab.OrderReport
	expect(t, do(t, h, http.MethodGet, "/api/v1/orders/1/report", nil), http.StatusOK, &report)
	if len(report.Lines) != 1 || report.Lines[0].ReferenceRange != "10 - 20" {
		t.Errorf("report lines = %+v", report.Lines)
	}

	var byNumber lab.Order
	expect(t, do(t, h, http.MethodGet, "/api/v1/orders/by-number/"+o.OrderNumber, nil), http.StatusOK, &byNumber)
	if byNumber.ID != o.ID {
		t.Errorf("by number id = %d, want %d", byNumber.ID, o.ID)
	}

	var decision guard.Decision
	expect(t, do(t, h, http.MethodGet, "/api/v1/guards/patients/1", nil), http.StatusOK, &decision)
	if decision.Allowed || decision.BlockingCount != 1 {
		t.Errorf("decision = %+v, want blocked by 1", decision)
	}

	var blocked handlers.ErrorResponse
	expect(t, do(t, h, http.MethodDelete, "/api/v1/patients/1", nil), http.StatusConflict, &blocked)
	if blocked.BlockingCount != 1 || blocked.Error == "" {
		t.Errorf("blocked response = %+v", blocked)
	}

	expect(t, do(t, h, http.MethodDelete, "/api/v1/orders/1", nil), http.StatusConflict, nil)
	expect(t, do(t, h, http.MethodDelete, "/api/v1/results/1", nil), http.StatusNoContent, nil)
	expect(t, do(t, h, http.MethodDelete, "/api/v1/orders/1", nil), http.StatusNoContent, nil)
	expect(t, do(t, h, http.MethodDelete, "/api/v1/patients/1", nil), http.StatusNoContent, nil)
	expect(t, do(t, h, http.MethodGet, "/api/v1/patients/1", nil), http.StatusNotFound, nil)
}

func TestResolveRange(t *testing.T) {
	h := newServer(t)

	expect(t, do(t, h, http.MethodPost, "/api/v1/catalog/sync", nil), http.StatusOK, nil)

	var tests []lab.LabTest
	expect(t, do(t, h, http.MethodGet, "/api/v1/lab-tests", nil), http.StatusOK, &tests)
	var gluID int64
	for _, lt := range tests {
		if lt.Code == "GLU" {
			gluID = lt.ID
		}
	}
	if gluID == 0 {
		t.Fatalf("GLU missing from synced catalog: %+v", tests)
	}

	var ranges []clinical.ReferenceRange
	expect(t, do(t, h, http.MethodGet, "/api/v1/lab-tests/"+itoa(gluID)+"/ranges", nil), http.StatusOK, &ranges)
	if len(ranges) == 0 {
		t.Fatal("GLU has no ranges")
	}
	r := ranges[0]

	var resp handlers.ResolveResponse
	if r.Sex != clinical.SexAny {
		t.Fatalf("GLU range sex = %q, want A", r.Sex)
	}
	base := "/api/v1/ranges/resolve?test_id=" + itoa(gluID) + "&age=" + itoa(int64(r.MinAge)) + "&value=" + r.Max.String()
	for _, sex := range []string{"M", "F"} {
		expect(t, do(t, h, http.MethodGet, base+"&sex="+sex, nil), http.StatusOK, &resp)
		if resp.Range == nil || resp.Range.ID != r.ID || resp.Status != clinical.StatusNormal {
			t.Errorf("resolve sex=%s = %+v, want range %d and normal", sex, resp, r.ID)
		}
	}
	// A is a range wildcard, never a patient sex.
	expect(t, do(t, h, http.MethodGet, base+"&sex=A", nil), http.StatusBadRequest, nil)

	expect(t, do(t, h, http.MethodGet, "/api/v1/ranges/resolve?test_id=999&sex=M&age=30", nil), http.StatusNotFound, nil)
	expect(t, do(t, h, http.MethodGet, "/api/v1/ranges/resolve?test_id=999&sex=M&age=30&value=1", nil), http.StatusOK, &resp)
	if resp.Status != clinical.StatusNoRange || resp.Range != nil {
		t.Errorf("unknown test = %+v, want no_range", resp)
	}
	expect(t, do(t, h, http.MethodGet, "/api/v1/ranges/resolve?test_id=1&sex=X&age=30", nil), http.StatusBadRequest, nil)
	expect(t, do(t, h, http.MethodGet, "/api/v1/ranges/resolve?sex=M&age=30", nil), http.StatusBadRequest, nil)
}

func TestBadRequests(t *testing.T) {
	h := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"non numeric id", http.MethodGet, "/api/v1/patients/abc", nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/doctors", `{"first_name":"A","last_name":"B","salary":1}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/v1/orders", `{"patient_id":`, http.StatusBadRequest},
		{"bad birth date", http.MethodPost, "/api/v1/patients", map[string]any{"first_name": "A", "last_name": "B", "sex": "M", "birth_date": "10/01/1990"}, http.StatusBadRequest},
		{"patient sex any", http.MethodPost, "/api/v1/patients", map[string]any{"first_name": "A", "last_name": "B", "sex": "A", "birth_date": "1990-01-10"}, http.StatusBadRequest},
		{"unknown guard kind", http.MethodGet, "/api/v1/guards/widgets/1", nil, http.StatusBadRequest},
		{"missing order", http.MethodGet, "/api/v1/orders/42", nil, http.StatusNotFound},
		{"missing result", http.MethodPut, "/api/v1/results/42", map[string]any{"value": 1}, http.StatusNotFound},
		{"order for missing patient", http.MethodPost, "/api/v1/orders", map[string]any{"patient_id": 9, "doctor_id": 9, "test_ids": []int{1}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, do(t, h, tt.method, tt.path, tt.body), tt.want, nil)
		})
	}
}

func TestUsersAndLogin(t *testing.T) {
	h := newServer(t)

	var u credential.User
	expect(t, do(t, h, http.MethodPost, "/api/v1/users", map[string]any{
		"username": "admin", "full_name": "Site Admin", "password": "s3cret-pass", "role": "admin",
	}), http.StatusCreated, &u)
	if u.Role != credential.RoleAdmin {
		t.Errorf("role = %q, want Admin", u.Role)
	}
	if strings.Contains(do(t, h, http.MethodGet, "/api/v1/users/1", nil).Body.String(), "s3cret") {
		t.Error("user response leaks the password")
	}

	expect(t, do(t, h, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"username": "admin", "password": "s3cret-pass",
	}), http.StatusOK, nil)

	for _, body := range []map[string]any{
		{"username": "admin", "password": "wrong-pass"},
		{"username": "nobody", "password": "s3cret-pass"},
	} {
		var e handlers.ErrorResponse
		expect(t, do(t, h, http.MethodPost, "/api/v1/auth/login", body), http.StatusUnauthorized, &e)
		if e.Error != apperr.ErrInvalidCredentials.Error() {
			t.Errorf("login error = %q, want the generic message", e.Error)
		}
	}

	expect(t, do(t, h, http.MethodPut, "/api/v1/users/1/password", map[string]any{
		"current_password": "wrong-pass", "new_password": "another-pass",
	}), http.StatusUnauthorized, nil)
	expect(t, do(t, h, http.MethodPut, "/api/v1/users/1/password", map[string]any{
		"current_password": "s3cret-pass", "new_password": "another-pass",
	}), http.StatusNoContent, nil)
	expect(t, do(t, h, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"username": "admin", "password": "another-pass",
	}), http.StatusOK, nil)

	expect(t, do(t, h, http.MethodDelete, "/api/v1/users/1", nil), http.StatusConflict, nil)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
