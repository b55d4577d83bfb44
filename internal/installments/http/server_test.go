package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
	"golang.org/x/crypto/bcrypt"

	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/enroll"
	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/ops"
	"lmsBack/internal/installments/reconcile"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/repo/memstore"
	"lmsBack/internal/installments/retry"
	"lmsBack/internal/installments/spool"
)

const (
	testSecret     = "whsec_test"
	testCronSecret = "cron-secret"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type stubGateway struct {
	charge    gateway.ChargeResult
	chargeErr error
}

func (g *stubGateway) CreateInvoice(ctx context.Context, req gateway.InvoiceRequest) (string, error) {
	return "inv_" + req.EntryID, nil
}

func (g *stubGateway) ChargeInvoice(ctx context.Context, ref string) (gateway.ChargeResult, error) {
	return g.charge, g.chargeErr
}

func (g *stubGateway) GetDispute(ctx context.Context, ref string) (gateway.Dispute, error) {
	return gateway.Dispute{}, errors.New("not implemented")
}

type stubRunner struct {
	report retry.Report
	err    error
}

func (r stubRunner) RunOnce(ctx context.Context) (retry.Report, error) { return r.report, r.err }

type memArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchive) Store(ctx context.Context, provider, eventID string, receivedAt time.Time, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := provider + "/" + eventID
	a.keys = append(a.keys, key)
	return key, nil
}

type fixture struct {
	store *memstore.Store
	gw    *stubGateway
	srv   *Server
	mux   *pat.PatternServeMux
}

func newFixture(t *testing.T, runner RetryRunner) *fixture {
	t.Helper()
	store := memstore.New()
	err := store.CreateEnrollment(context.Background(),
		repo.Enrollment{ID: "enr-1", TenantID: "t-1", CourseRef: "go-101", PayerRef: "user-1", Currency: "KZT",
			TotalAmount: 10000, Status: fsm.EnrollmentDraft, PaymentStatus: fsm.PaymentUnpaid},
		[]repo.ScheduleEntry{
			{ID: "dep", EnrollmentID: "enr-1", Seq: 1, Kind: "deposit", Amount: 4000, Currency: "KZT",
				DueDate: testNow, Status: fsm.StatusDispatched, InvoiceRef: repo.NullString("inv_dep")},
			{ID: "inst", EnrollmentID: "enr-1", Seq: 2, Kind: "installment", Amount: 6000, Currency: "KZT",
				DueDate: testNow.AddDate(0, 1, 0), Status: fsm.StatusPending},
		})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	gw := &stubGateway{charge: gateway.ChargeResult{ChargeRef: "ch_inst", Status: gateway.ChargePending}}
	clock := func() time.Time { return testNow }
	engine := reconcile.New(store, dispatch.DefaultRetryPolicy(), nil, testLogger{})
	engine.SetClock(clock)
	dispatcher := dispatch.New(store, gw, dispatch.DefaultRetryPolicy(), nil, testLogger{})
	dispatcher.SetClock(clock)
	enrollments := enroll.NewService(store)
	enrollments.SetClock(clock)

	hash, err := bcrypt.GenerateFromPassword([]byte(testCronSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if runner == nil {
		runner = stubRunner{report: retry.Report{Errors: []string{}}}
	}
	cfg := Config{WebhookSecret: testSecret, CronSecretHash: hash, ChargeTimeout: time.Second}
	srv := NewServer(cfg, testLogger{}, store, engine, dispatcher, runner, enrollments, ops.NewHub(testLogger{}))
	srv.SetClock(clock)

	mux := pat.New()
	srv.Register(mux, alice.New())
	return &fixture{store: store, gw: gw, srv: srv, mux: mux}
}

func (f *fixture) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) webhook(body []byte) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/api/v1/payments/webhook", body, map[string]string{signatureHeader: gateway.Sign(body, testSecret)})
}

func eventBody(id, typ, chargeID string, amount, refunded int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created_at":"2026-06-01T11:00:00Z","data":{"charge_id":%q,"invoice_id":"inv_dep","amount":%d,"amount_refunded":%d,"currency":"KZT","metadata":{"enrollment_id":"enr-1","schedule_entry_id":"dep"}}}`,
		id, typ, chargeID, amount, refunded))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	body := eventBody("evt_1", gateway.EventChargeSucceeded, "ch_1", 4000, 0)
	rec := f.do(http.MethodPost, "/api/v1/payments/webhook", body, map[string]string{signatureHeader: gateway.Sign(body, "other")})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(f.store.Payments()) != 0 {
		t.Fatal("unverified event must not be applied")
	}
}

func TestWebhookAppliesOnceAndAbsorbsRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	archive := &memArchive{}
	f.srv.SetArchive(archive)
	body := eventBody("evt_1", gateway.EventChargeSucceeded, "ch_1", 4000, 0)

	for i, want := range []string{reconcile.OutcomeApplied, reconcile.OutcomeDuplicate} {
		rec := f.webhook(body)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d body %s", i, rec.Code, rec.Body.String())
		}
		var resp webhookResponse
		decode(t, rec, &resp)
		if resp.Outcome != want {
			t.Fatalf("delivery %d: outcome = %s, want %s", i, resp.Outcome, want)
		}
	}

	if n := len(f.store.Payments()); n != 1 {
		t.Fatalf("payments = %d, want 1", n)
	}
	en, _ := f.store.GetEnrollment(context.Background(), "enr-1")
	if en.PaidAmount != 4000 || en.PaymentStatus != fsm.PaymentPartial {
		t.Fatalf("enrollment = %d %s", en.PaidAmount, en.PaymentStatus)
	}
	logged, ok := f.store.Webhook("airbapay", "evt_1")
	if !ok || !logged.ProcessedAt.Valid || logged.Outcome != reconcile.OutcomeApplied {
		t.Fatalf("webhook log = %+v", logged)
	}
	if len(archive.keys) != 2 {
		t.Fatalf("archived %d bodies, want 2", len(archive.keys))
	}
}

func TestWebhookUnsupportedEventAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"id":"evt_9","type":"customer.created","data":{}}`)
	rec := f.webhook(body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp webhookResponse
	decode(t, rec, &resp)
	if resp.Outcome != reconcile.OutcomeIgnored {
		t.Fatalf("outcome = %s", resp.Outcome)
	}
}

func TestWebhookMalformedEvent(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.webhook([]byte(`{"id":"evt_2","type":"charge.succeeded","data":{}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRefundBeforePaymentConflicts(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.webhook(eventBody("evt_r", gateway.EventChargeRefunded, "ch_1", 4000, 1000))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	logged, ok := f.store.Webhook("airbapay", "evt_r")
	if !ok || logged.ProcessedAt.Valid {
		t.Fatal("out-of-order event must stay unprocessed for redelivery")
	}

	if rec := f.webhook(eventBody("evt_1", gateway.EventChargeSucceeded, "ch_1", 4000, 0)); rec.Code != http.StatusOK {
		t.Fatalf("charge status = %d", rec.Code)
	}
	rec = f.webhook(eventBody("evt_r", gateway.EventChargeRefunded, "ch_1", 4000, 1000))
	var resp webhookResponse
	decode(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Outcome != reconcile.OutcomeApplied {
		t.Fatalf("redelivered refund: %d %s", rec.Code, resp.Outcome)
	}
}

func TestWebhookSpoolsDuringStorageOutage(t *testing.T) {
	f := newFixture(t, nil)
	sp, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer sp.Close()
	f.srv.SetSpool(sp)

	f.store.SetFailure(errors.New("database is down"))
	rec := f.webhook(eventBody("evt_1", gateway.EventChargeSucceeded, "ch_1", 4000, 0))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if n, _ := sp.Len(); n != 1 {
		t.Fatalf("spooled = %d, want 1", n)
	}

	f.store.SetFailure(nil)
	n, err := sp.Drain(context.Background(), f.srv.Replay)
	if err != nil || n != 1 {
		t.Fatalf("drain = %d, %v", n, err)
	}
	if len(f.store.Payments()) != 1 {
		t.Fatal("replayed event was not applied")
	}
}

func TestWebhookStorageOutageWithoutSpool(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetFailure(errors.New("database is down"))
	rec := f.webhook(eventBody("evt_1", gateway.EventChargeSucceeded, "ch_1", 4000, 0))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestCronRetryRequiresSecret(t *testing.T) {
	report := retry.Report{Retried: 2, Failed: 1, Errors: []string{"entry x: boom"}}
	f := newFixture(t, stubRunner{report: report})

	for _, secret := range []string{"", "wrong"} {
		rec := f.do(http.MethodPost, "/api/v1/cron/installments/retry", nil, map[string]string{cronSecretHeader: secret})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d, want 401", secret, rec.Code)
		}
	}

	rec := f.do(http.MethodPost, "/api/v1/cron/installments/retry", nil, map[string]string{cronSecretHeader: testCronSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Retried int      `json:"retried"`
		Failed  int      `json:"failed"`
		Errors  []string `json:"errors"`
	}
	decode(t, rec, &got)
	if got.Retried != 2 || got.Failed != 1 || len(got.Errors) != 1 {
		t.Fatalf("report = %+v", got)
	}
}

func TestCronRetryRunInProgress(t *testing.T) {
	f := newFixture(t, stubRunner{err: retry.ErrRunInProgress})
	rec := f.do(http.MethodPost, "/api/v1/cron/installments/retry", nil, map[string]string{cronSecretHeader: testCronSecret})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestChargeNow(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/v1/admin/schedule/inst/charge", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var res dispatch.Result
	decode(t, rec, &res)
	if res.Outcome != dispatch.OutcomeChargePending || res.InvoiceRef != "inv_inst" || res.ChargeRef != "ch_inst" {
		t.Fatalf("result = %+v", res)
	}
	entry, _ := f.store.GetEntry(context.Background(), "inst")
	if entry.Status != fsm.StatusDispatched {
		t.Fatalf("entry status = %s", entry.Status)
	}
}

func TestChargeNowSurfacesGatewayError(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.chargeErr = &gateway.Error{StatusCode: http.StatusBadRequest, Status: "400 Bad Request", Body: "card expired"}
	rec := f.do(http.MethodPost, "/api/v1/admin/schedule/inst/charge", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "card expired") {
		t.Fatalf("body %s does not carry the gateway error", rec.Body.String())
	}
	entry, _ := f.store.GetEntry(context.Background(), "inst")
	if entry.Status != fsm.StatusFailed || !entry.NextRetryAt.Valid {
		t.Fatalf("entry = %s next=%v", entry.Status, entry.NextRetryAt)
	}
}

func TestChargeNowErrors(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodPost, "/api/v1/admin/schedule/missing/charge", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing entry: status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/admin/schedule/dep/charge", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("dispatched entry: status = %d", rec.Code)
	}
}

func TestExhaustedEntryOnlyChargedByAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	err := f.store.CreateEnrollment(ctx,
		repo.Enrollment{ID: "enr-2", TenantID: "t-1", CourseRef: "go-201", PayerRef: "user-2", Currency: "KZT",
			TotalAmount: 3000, Status: fsm.EnrollmentActive, PaymentStatus: fsm.PaymentUnpaid},
		[]repo.ScheduleEntry{
			{ID: "spent", EnrollmentID: "enr-2", Seq: 1, Kind: "installment", Amount: 3000, Currency: "KZT",
				DueDate: testNow.AddDate(0, -2, 0), Status: fsm.StatusFailed, InvoiceRef: repo.NullString("inv_spent"),
				RetryCount: 3},
		})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	policy := dispatch.DefaultRetryPolicy()
	d := dispatch.New(f.store, f.gw, policy, nil, testLogger{})
	d.SetClock(func() time.Time { return testNow })
	s := retry.New(f.store, d, nil, testLogger{}, retry.ConfigAdapter{
		MaxRetries: policy.MaxRetries, BatchSize: 50, Workers: 2, RunBudget: time.Minute,
	})
	s.SetClock(func() time.Time { return testNow })
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, _ := f.store.GetEntry(ctx, "spent"); got.Status != fsm.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("scheduler touched exhausted entry: %s retries=%d", got.Status, got.RetryCount)
	}

	rec := f.do(http.MethodPost, "/api/v1/admin/schedule/spent/charge", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var res dispatch.Result
	decode(t, rec, &res)
	if res.Outcome != dispatch.OutcomeChargePending || res.InvoiceRef != "inv_spent" {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := f.store.GetEntry(ctx, "spent"); got.Status != fsm.StatusDispatched {
		t.Fatalf("entry status = %s", got.Status)
	}
}

func TestCreateAndGetEnrollment(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/v1/admin/enrollments", []byte(`{"course_ref":"go-101","payer_ref":"u","total_amount":100}`), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid request: status = %d", rec.Code)
	}
	var invalid struct {
		Fields map[string]string `json:"fields"`
	}
	decode(t, rec, &invalid)
	if _, ok := invalid.Fields["tenant_id"]; !ok {
		t.Fatalf("fields = %v", invalid.Fields)
	}

	body := []byte(`{"tenant_id":"t-1","course_ref":"go-101","payer_ref":"user-2","total_amount":10000,"currency":"kzt",` +
		`"deposit_kind":"percent","deposit_percent":"33.3","installments":3,"frequency":"monthly","start_date":"2026-01-31"}`)
	rec = f.do(http.MethodPost, "/api/v1/admin/enrollments", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var created enrollmentDetailsResponse
	decode(t, rec, &created)
	var sum int64
	for _, e := range created.Schedule {
		sum += e.Amount
	}
	if len(created.Schedule) != 4 || sum != 10000 || created.Enrollment.Currency != "KZT" {
		t.Fatalf("created = %+v", created)
	}
	if created.Schedule[1].DueDate != "2026-02-28" {
		t.Fatalf("first installment due %s", created.Schedule[1].DueDate)
	}

	rec = f.do(http.MethodGet, "/api/v1/admin/enrollments/"+created.Enrollment.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/admin/enrollments/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown enrollment: status = %d", rec.Code)
	}
}

func TestSetEnrollmentStatus(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPut, "/api/v1/admin/enrollments/enr-1/status", []byte(`{"status":"frozen"}`), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad status: %d", rec.Code)
	}
	rec = f.do(http.MethodPut, "/api/v1/admin/enrollments/enr-1/status", []byte(`{"status":"cancelled"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodPut, "/api/v1/admin/enrollments/enr-1/status", []byte(`{"status":"active"}`), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reactivate cancelled: %d", rec.Code)
	}
}

func TestSplitPreview(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/v1/admin/split/preview",
		[]byte(`{"total_amount":1000,"currency":"USD","installments":3,"frequency":"weekly","start_date":"2026-03-02"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Schedule []draftResponse `json:"schedule"`
	}
	decode(t, rec, &resp)
	if len(resp.Schedule) != 3 || resp.Schedule[2].Amount != 334 || resp.Schedule[0].Seq != 1 {
		t.Fatalf("schedule = %+v", resp.Schedule)
	}

	rec = f.do(http.MethodPost, "/api/v1/admin/split/preview",
		[]byte(`{"total_amount":1000,"currency":"USD","deposit_kind":"fixed","deposit_amount":2000}`), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("impossible plan: status = %d", rec.Code)
	}
}

func TestIssuesListAndResolve(t *testing.T) {
	f := newFixture(t, nil)
	err := f.store.WithinTx(context.Background(), func(tx repo.Tx) error {
		return tx.InsertIssue(context.Background(), repo.Issue{ID: "iss-1", Kind: repo.IssueUnknownEntry, EventID: "evt_x",
			EventType: gateway.EventChargeSucceeded, Detail: "no entry", CreatedAt: testNow})
	})
	if err != nil {
		t.Fatalf("seed issue: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/v1/admin/issues", nil, nil)
	var list struct {
		Issues []issueResponse `json:"issues"`
	}
	decode(t, rec, &list)
	if len(list.Issues) != 1 || list.Issues[0].Kind != repo.IssueUnknownEntry {
		t.Fatalf("issues = %+v", list.Issues)
	}

	if rec := f.do(http.MethodPost, "/api/v1/admin/issues/iss-1/resolve", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/admin/issues/iss-1/resolve", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second resolve: %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/v1/admin/issues", nil, nil)
	decode(t, rec, &list)
	if len(list.Issues) != 0 {
		t.Fatalf("open issues = %d", len(list.Issues))
	}
	if rec := f.do(http.MethodGet, "/api/v1/admin/issues?limit=abc", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestListDisputes(t *testing.T) {
	f := newFixture(t, nil)
	f.webhook(eventBody("evt_1", gateway.EventChargeSucceeded, "ch_1", 4000, 0))
	dispute := []byte(`{"id":"evt_d","type":"dispute.created","created_at":"2026-06-01T11:30:00Z","data":{"charge_id":"ch_1","dispute_id":"dp_1","amount":4000,"currency":"KZT","dispute_reason":"fraudulent","metadata":{"enrollment_id":"enr-1"}}}`)
	if rec := f.webhook(dispute); rec.Code != http.StatusOK {
		t.Fatalf("dispute webhook: %d %s", rec.Code, rec.Body.String())
	}

	rec := f.do(http.MethodGet, "/api/v1/admin/enrollments/enr-1/disputes", nil, nil)
	var resp struct {
		Disputes []disputeResponse `json:"disputes"`
	}
	decode(t, rec, &resp)
	if len(resp.Disputes) != 1 || resp.Disputes[0].DisputeRef != "dp_1" || resp.Disputes[0].Status != repo.DisputeNeedsResponse {
		t.Fatalf("disputes = %+v", resp.Disputes)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	f.store.SetFailure(errors.New("down"))
	if rec := f.do(http.MethodGet, "/health", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
