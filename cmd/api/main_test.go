package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
	"fiscalcontrol/reminder"
	"fiscalcontrol/sheet"
)

type stubSweeper struct {
	report reminder.Report
	err    error
	dates  []payment.Date
}

func (s *stubSweeper) Run(_ context.Context, today payment.Date) (reminder.Report, error) {
	s.dates = append(s.dates, today)
	s.report.Date = today
	return s.report, s.err
}

type unavailableRepo struct {
	*payment.MemoryRepository
}

func (unavailableRepo) Create(context.Context, payment.Record, auth.Actor) (payment.Record, error) {
	return payment.Record{}, payment.ErrStoreUnavailable
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, repo payment.Repository) *Server {
	t.Helper()
	svc := payment.NewService(repo, nil, quietLogger()).
		WithLocation(time.UTC).
		WithClock(func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) })
	return &Server{payments: svc, reminders: &stubSweeper{}, logger: quietLogger()}
}

type envelope struct {
	Result  string          `json:"result"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, env
}

const createBody = `{"actor":{"name":"Operador de Pagos","role":"payer"},
"data":{"organism":"SENIAT","paymentType":"Fiscal (Impuestos)","amount":100,
"paymentDateReal":"2025-03-13","contactPhone":"+58 412 1234567"}}`

func createPayment(t *testing.T, h http.Handler) recordResponse {
	t.Helper()
	rec, env := do(t, h, http.MethodPost, "/", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created recordResponse
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return created
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCreate_DefaultAction(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	created := createPayment(t, h)

	if created.ID == "" || created.Status != string(payment.StatusPendingReview) {
		t.Fatalf("unexpected record: %+v", created)
	}
	if created.Amount.String() != "100.00" || created.PaymentType != "Fiscal (Impuestos)" {
		t.Fatalf("unexpected amount/type: %+v", created)
	}
	if created.DateRegistered != "2025-03-10" || created.ContactPhone != "584121234567" {
		t.Fatalf("unexpected defaults: %+v", created)
	}
}

func TestCreate_ValidationError(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	body := `{"action":"create","actor":{"role":"admin"},"data":{"organism":"","amount":5,"paymentDateReal":"2025-03-13"}}`
	rec, env := do(t, h, http.MethodPost, "/api/payments", body)

	if rec.Code != http.StatusBadRequest || env.Result != "error" {
		t.Fatalf("expected 400 error envelope, got %d %+v", rec.Code, env)
	}
}

func TestCreate_ViewerForbidden(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	body := strings.Replace(createBody, `"role":"payer"`, `"role":"viewer"`, 1)
	rec, _ := do(t, h, http.MethodPost, "/", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCreate_StoreUnavailableReturnsLocalCopy(t *testing.T) {
	h := newTestServer(t, unavailableRepo{payment.NewMemoryRepository()}).Routes()
	rec, env := do(t, h, http.MethodPost, "/", createBody)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if env.Message != "saved locally only" {
		t.Fatalf("unexpected message %q", env.Message)
	}
	var local recordResponse
	if err := json.Unmarshal(env.Data, &local); err != nil || local.ID == "" || local.Organism != "SENIAT" {
		t.Fatalf("expected local record, got %s (%v)", env.Data, err)
	}
}

func TestUpdate_Lifecycle(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	created := createPayment(t, h)

	payer := `{"action":"update","id":"` + created.ID + `","transition":"approve","actor":{"role":"payer"}}`
	if rec, _ := do(t, h, http.MethodPost, "/", payer); rec.Code != http.StatusForbidden {
		t.Fatalf("payer approve: expected 403, got %d", rec.Code)
	}

	viewer := `{"action":"update","data":{"id":"` + created.ID + `","status":"Approved"},"actor":{"name":"Auditor Visor","role":"viewer"}}`
	rec, env := do(t, h, http.MethodPost, "/", viewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated recordResponse
	if err := json.Unmarshal(env.Data, &updated); err != nil || updated.Status != "Approved" {
		t.Fatalf("unexpected update payload: %s", env.Data)
	}

	admin := `{"action":"update","id":"` + created.ID + `","transition":"reject","actor":{"role":"admin"}}`
	if rec, _ := do(t, h, http.MethodPost, "/", admin); rec.Code != http.StatusConflict {
		t.Fatalf("second transition: expected 409, got %d", rec.Code)
	}

	missing := `{"action":"update","id":"nope","transition":"reject","actor":{"role":"admin"}}`
	if rec, _ := do(t, h, http.MethodPost, "/", missing); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %d", rec.Code)
	}

	bad := `{"action":"update","id":"` + created.ID + `","transition":"register","actor":{"role":"admin"}}`
	if rec, _ := do(t, h, http.MethodPost, "/", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-transition: expected 400, got %d", rec.Code)
	}

	rec, env = do(t, h, http.MethodPost, "/", `{"action":"history","id":"`+created.ID+`","actor":{"role":"viewer"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var events []eventResponse
	if err := json.Unmarshal(env.Data, &events); err != nil || len(events) != 2 || events[1].ActorName != "Auditor Visor" {
		t.Fatalf("unexpected history: %s", env.Data)
	}
}

func TestRead_ListAndSingle(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	created := createPayment(t, h)
	createPayment(t, h)

	rec, env := do(t, h, http.MethodPost, "/", `{"action":"read","actor":{"role":"viewer"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []recordResponse
	if err := json.Unmarshal(env.Data, &list); err != nil || len(list) != 2 {
		t.Fatalf("unexpected list: %s", env.Data)
	}

	rec, env = do(t, h, http.MethodPost, "/", `{"action":"read","id":"`+created.ID+`","actor":{"role":"payer"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if rec, _ := do(t, h, http.MethodPost, "/", `{"action":"read","actor":{"role":"guest"}}`); rec.Code != http.StatusForbidden {
		t.Fatalf("unknown role: expected 403, got %d", rec.Code)
	}
}

func TestSummary(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	createPayment(t, h)

	rec, env := do(t, h, http.MethodPost, "/", `{"action":"summary","actor":{"role":"admin"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sum summaryResponse
	if err := json.Unmarshal(env.Data, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(sum.ByType) != 1 || sum.ByType[0].ProjectedAnnual.String() != "1200.00" || len(sum.Upcoming) != 1 {
		t.Fatalf("unexpected summary: %s", env.Data)
	}
}

func TestInvalidActionAndBody(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	if rec, env := do(t, h, http.MethodPost, "/", `{"action":"drop","actor":{"role":"admin"}}`); rec.Code != http.StatusBadRequest || env.Message != "Invalid action" {
		t.Fatalf("expected 400 Invalid action, got %d %+v", rec.Code, env)
	}
	if rec, _ := do(t, h, http.MethodPost, "/", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func newTokenServer(t *testing.T, requireToken bool) (*Server, string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("supersafe"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	dir, err := auth.NewDirectory([]auth.User{
		{Username: "visor", Name: "Auditor Visor", Role: auth.RoleViewer, PasswordHash: string(hash)},
	})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	s := newTestServer(t, payment.NewMemoryRepository())
	s.auth = auth.NewService(dir, "test-secret")
	s.requireToken = requireToken

	rec, env := do(t, s.Routes(), http.MethodPost, "/auth/login", `{"username":"visor","password":"supersafe"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		t.Fatalf("login payload: %s", env.Data)
	}
	return s, data.Token
}

func TestToken_OverridesDeclaredActor(t *testing.T) {
	s, token := newTokenServer(t, false)
	h := s.Routes()

	// Declared admin, token says viewer: viewer cannot register.
	body := strings.Replace(createBody, `"role":"payer"`, `"role":"admin"`, 1)
	if rec, _ := do(t, h, http.MethodPost, "/", body, "Authorization", "Bearer "+token); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with viewer token, got %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/", body, "Authorization", "Bearer garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestToken_Required(t *testing.T) {
	s, token := newTokenServer(t, true)
	h := s.Routes()

	read := `{"action":"read","actor":{"role":"admin"}}`
	if rec, _ := do(t, h, http.MethodPost, "/", read); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/", read, "Authorization", "Bearer "+token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestLogin_Failures(t *testing.T) {
	s, _ := newTokenServer(t, false)
	if rec, _ := do(t, s.Routes(), http.MethodPost, "/auth/login", `{"username":"visor","password":"nope-nope"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	disabled := newTestServer(t, payment.NewMemoryRepository())
	if rec, _ := do(t, disabled.Routes(), http.MethodPost, "/auth/login", `{}`); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestExport(t *testing.T) {
	h := newTestServer(t, payment.NewMemoryRepository()).Routes()
	createPayment(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/export?role=viewer", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != sheet.ContentType {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheet.RecordsSheet)
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d (%v)", len(rows), err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/payments/export", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d", rec.Code)
	}
}

func TestExportFailureIsCleanJSON(t *testing.T) {
	s := newTestServer(t, payment.NewMemoryRepository())
	s.export = func(w io.Writer, _ []payment.Record) error {
		_, _ = w.Write([]byte("PK\x03\x04partial"))
		return errors.New("disk full")
	}
	h := s.Routes()
	createPayment(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/export?role=viewer", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected json content type, got %q", ct)
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Fatalf("attachment header leaked on failure")
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not clean json: %v: %q", err, rec.Body.String())
	}
	if env.Result != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}
}

func TestRunReminders(t *testing.T) {
	s := newTestServer(t, payment.NewMemoryRepository())
	sw := &stubSweeper{report: reminder.Report{Matched: 2, Sent: 1, Failed: 1}}
	s.reminders = sw
	h := s.Routes()

	if rec, _ := do(t, h, http.MethodPost, "/api/reminders/run", `{"actor":{"role":"viewer"}}`); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer: expected 403, got %d", rec.Code)
	}

	rec, env := do(t, h, http.MethodPost, "/api/reminders/run", `{"actor":{"role":"admin"},"date":"2025-03-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report map[string]any
	if err := json.Unmarshal(env.Data, &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report["date"] != "2025-03-01" || report["failed"] != float64(1) {
		t.Fatalf("unexpected report: %v", report)
	}

	sw.err = errors.New("boom")
	if rec, _ := do(t, h, http.MethodPost, "/api/reminders/run", `{"actor":{"role":"admin"}}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := sw.dates[len(sw.dates)-1]; got.String() != "2025-03-10" {
		t.Fatalf("expected sweep for service today, got %s", got)
	}
}
