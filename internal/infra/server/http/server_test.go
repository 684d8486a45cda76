package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outflow/internal/catalog"
	"github.com/coachpo/outflow/internal/clock"
	"github.com/coachpo/outflow/internal/dispatcher"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/content"
	"github.com/coachpo/outflow/internal/engine"
	"github.com/coachpo/outflow/internal/infra/config"
	"github.com/coachpo/outflow/internal/infra/persistence/memory"
	"github.com/coachpo/outflow/internal/ratelimit"
	"github.com/coachpo/outflow/internal/retry"
	"github.com/coachpo/outflow/internal/scheduler"
	"github.com/coachpo/outflow/internal/sender"
)

const testCatalog = `
sequences:
  - id: welcome-drip
    version: 1
    steps:
      - delay: 1h
        channel: email
        variants: [warm-intro]
`

func newTestHandler(t *testing.T) (http.Handler, *memory.AttemptStore) {
	t.Helper()

	store, err := config.NewRuntimeStore(config.DefaultRuntimeConfig())
	if err != nil {
		t.Fatalf("runtime store: %v", err)
	}
	sequences := catalog.New()
	if err := sequences.Overlay([]byte(testCatalog)); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	resolver := content.NewStatic()
	resolver.Register("welcome-drip", 1, 0, "warm-intro", content.Rendered{Body: "hi"})

	clk := clock.NewVirtual(time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC))
	sched := scheduler.New(clk)
	enrollments := memory.NewEnrollmentStore()
	attempts := memory.NewAttemptStore()

	disp, err := dispatcher.New(dispatcher.Deps{
		Clock:       clk,
		Enrollments: enrollments,
		Attempts:    attempts,
		Catalog:     sequences,
		Limiter:     ratelimit.New(clk, store),
		Retrier:     retry.New(store),
		Senders: sender.NewRegistry(map[campaign.Channel]sender.Sender{
			campaign.ChannelEmail: sender.NewFake(),
		}),
		Resolver:  resolver,
		Scheduler: sched,
		Config:    store,
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = disp.Shutdown(shutdownCtx)
	})

	eng := engine.New(engine.Deps{
		Clock:       clk,
		Enrollments: enrollments,
		Catalog:     sequences,
		Scheduler:   sched,
		Dispatcher:  disp,
		Config:      store,
	})
	return NewHandler(eng, attempts, store), attempts
}

const enrollBody = `{
	"contact": {
		"id": "c-1",
		"name": "Dana",
		"email": "dana@example.com",
		"consent": {"email": true}
	},
	"sequence_id": "welcome-drip",
	"sequence_version": 1
}`

func doRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createEnrollment(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := doRequest(handler, http.MethodPost, "/enrollments", enrollBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var view struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID == "" {
		t.Fatal("expected enrollment id")
	}
	return view.ID
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCreateAndGetEnrollment(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := createEnrollment(t, handler)

	rec := doRequest(handler, http.MethodGet, "/enrollments/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	var view struct {
		Status     string `json:"status"`
		SequenceID string `json:"sequence_id"`
		NextDueAt  string `json:"next_due_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "active" || view.SequenceID != "welcome-drip" {
		t.Errorf("view: %+v", view)
	}
	if view.NextDueAt == "" {
		t.Error("expected next due timestamp")
	}
}

func TestCreateEnrollmentDuplicateConflicts(t *testing.T) {
	handler, _ := newTestHandler(t)
	createEnrollment(t, handler)

	rec := doRequest(handler, http.MethodPost, "/enrollments", enrollBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateEnrollmentRejections(t *testing.T) {
	handler, _ := newTestHandler(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"unknown channel in consent", `{"contact":{"id":"c-2","consent":{"fax":true}},"sequence_id":"welcome-drip"}`, http.StatusBadRequest},
		{"missing contact id", `{"contact":{},"sequence_id":"welcome-drip"}`, http.StatusBadRequest},
		{"unknown sequence", `{"contact":{"id":"c-2","email":"x@example.com","consent":{"email":true}},"sequence_id":"missing"}`, http.StatusNotFound},
		{"no consent", `{"contact":{"id":"c-2","email":"x@example.com"},"sequence_id":"welcome-drip"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(handler, http.MethodPost, "/enrollments", tc.body)
			if rec.Code != tc.want {
				t.Errorf("status %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestEnrollmentLifecycleActions(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := createEnrollment(t, handler)

	rec := doRequest(handler, http.MethodPost, "/enrollments/"+id+"/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d body %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "paused" {
		t.Errorf("after pause: %q", view.Status)
	}

	rec = doRequest(handler, http.MethodPost, "/enrollments/"+id+"/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodPost, "/enrollments/"+id+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rec.Code)
	}

	// A second cancel conflicts: the enrollment is terminal.
	rec = doRequest(handler, http.MethodPost, "/enrollments/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("double cancel: status %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodPost, "/enrollments/"+id+"/explode", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown action: status %d", rec.Code)
	}
}

func TestEnrollmentAttemptsTrail(t *testing.T) {
	handler, attempts := newTestHandler(t)
	id := createEnrollment(t, handler)

	if err := attempts.Append(context.Background(), campaign.DispatchAttempt{
		EnrollmentID: id,
		StepIndex:    0,
		Channel:      campaign.ChannelEmail,
		Outcome:      campaign.OutcomeSuccess,
		ProviderRef:  "ref-1",
	}); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}

	rec := doRequest(handler, http.MethodGet, "/enrollments/"+id+"/attempts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("attempts: status %d", rec.Code)
	}
	var payload struct {
		Attempts []campaign.DispatchAttempt `json:"attempts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Attempts) != 1 || payload.Attempts[0].ProviderRef != "ref-1" {
		t.Errorf("trail: %+v", payload.Attempts)
	}
}

func TestGetUnknownEnrollment(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(handler, http.MethodGet, "/enrollments/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodGet, "/config/runtime", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export: status %d", rec.Code)
	}
	var cfg config.RuntimeConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.Channels) == 0 {
		t.Fatal("expected channel policies in export")
	}

	cfg.Dispatcher.Workers = 32
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec = doRequest(handler, http.MethodPut, "/config/runtime", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("import: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(handler, http.MethodGet, "/config/runtime", "")
	var updated config.RuntimeConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Dispatcher.Workers != 32 {
		t.Errorf("workers: got %d", updated.Dispatcher.Workers)
	}
}

func TestImportRuntimeConfigRejectsInvalid(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/config/runtime", `{"timezone":"Mars/Olympus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateChannelPolicy(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := `{
		"max_attempts": 5,
		"backoff_base": 60000000000,
		"backoff_max": 3600000000000,
		"rate": {"capacity": 50, "refill_interval": 1000000000}
	}`
	rec := doRequest(handler, http.MethodPut, "/config/channels/email", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var policy config.ChannelPolicy
	if err := json.Unmarshal(rec.Body.Bytes(), &policy); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if policy.MaxAttempts != 5 || policy.Rate.Capacity != 50 {
		t.Errorf("policy: %+v", policy)
	}

	rec = doRequest(handler, http.MethodPut, "/config/channels/email", `{"max_attempts":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid policy: status %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodPut, "/config/channels/", "{}")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing channel name: status %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodDelete, "/enrollments", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Errorf("Allow header: %q", allow)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodOptions, "/enrollments", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
