package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deckdrop/internal/api"
	"deckdrop/internal/captcha"
)

// fakeBackend implements enough of the enrollment API to run the whole
// workflow in-process. Challenges use a 3-cell grid (8 candidates) so every
// solve finishes in one small batch.
type fakeBackend struct {
	t *testing.T

	mu          sync.Mutex
	correctMask map[api.Purpose]int // purpose -> accepted mask; absent = nothing matches
	registered  bool
	classes     []string
	balance     float64
	paid        bool
	droppedOut  bool

	calls     map[string]int
	callTimes map[string][]time.Time

	userInfoFailures int            // initial /user-info calls answered 500
	dropFailures     map[string]int // class -> initial drop calls answered 500
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{
		t: t,
		correctMask: map[api.Purpose]int{
			api.PurposeAuth:    5,
			api.PurposePayment: 3,
			api.PurposeDropout: 6,
		},
		classes:   []string{"COMP-1", "COMP-2", "COMP-3"},
		balance:   150,
		calls:     make(map[string]int),
		callTimes: make(map[string][]time.Time),
	}
}

func (b *fakeBackend) record(key string) {
	b.calls[key]++
	b.callTimes[key] = append(b.callTimes[key], time.Now())
}

func (b *fakeBackend) callCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[key]
}

func (b *fakeBackend) firstCall(key string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	times := b.callTimes[key]
	if len(times) == 0 {
		return time.Time{}, false
	}
	return times[0], true
}

func optionURLs(n int) []map[string]string {
	urls := make([]map[string]string, n)
	for i := range urls {
		urls[i] = map[string]string{"url": "https://img.test/cell-" + string(rune('a'+i))}
	}
	return urls
}

func maskOfURLs(urls []string) int {
	mask := 0
	for _, u := range urls {
		i := int(u[len(u)-1] - 'a')
		mask |= 1 << i
	}
	return mask
}

func (b *fakeBackend) handler() http.Handler {
	writeJSON := func(w http.ResponseWriter, v any) { json.NewEncoder(w).Encode(v) }
	fail := func(w http.ResponseWriter, status int, msg string) {
		w.WriteHeader(status)
		writeJSON(w, map[string]string{"message": msg})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()

		path := r.URL.Path
		switch {
		case strings.HasPrefix(path, "/form/prepare/"):
			scope := strings.TrimPrefix(path, "/form/prepare/")
			b.record("prepare:" + scope)
			writeJSON(w, map[string]string{"form_prep_token": "prep-" + scope})

		case path == "/user" && r.Method == "POST":
			b.record("register")
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if req["form_prep_token"] != "prep-public/register" {
				fail(w, http.StatusBadRequest, "bad form prep token")
				return
			}
			if req["username"] == "" || req["password"] == "" {
				fail(w, http.StatusBadRequest, "missing credentials")
				return
			}
			b.registered = true
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, map[string]string{"status": "created"})

		case path == "/captcha/challenge":
			b.record("challenge:" + r.URL.Query().Get("challenge_type"))
			writeJSON(w, map[string]any{
				"images":           optionURLs(3),
				"encrypted_answer": "enc-" + r.URL.Query().Get("challenge_type"),
			})

		case path == "/captcha/submit":
			var req struct {
				SelectedURLs []string `json:"selected_urls"`
				Purpose      string   `json:"purpose"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			b.record("probe:" + req.Purpose)
			want, ok := b.correctMask[api.Purpose(req.Purpose)]
			if !ok || maskOfURLs(req.SelectedURLs) != want {
				fail(w, http.StatusForbidden, "wrong selection")
				return
			}
			writeJSON(w, map[string]string{"captcha_solved_token": "cap-" + req.Purpose})

		case path == "/login":
			b.record("login")
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if req["captcha_solved_token"] != "cap-auth" {
				fail(w, http.StatusForbidden, "captcha not solved")
				return
			}
			if req["form_prep_token"] != "prep-public/login" {
				fail(w, http.StatusBadRequest, "bad form prep token")
				return
			}
			writeJSON(w, map[string]string{"mfa_required_auth_token": "mfa-tok"})

		case path == "/mfa/initiate":
			b.record("mfa-initiate")
			if r.Header.Get("Authorization") != "Bearer mfa-tok" {
				fail(w, http.StatusUnauthorized, "bad mfa bearer")
				return
			}
			writeJSON(w, map[string]string{
				"otp_code":                 "424242",
				"encrypted_mfa_code_token": "enc-mfa",
			})

		case path == "/mfa/submit":
			b.record("mfa-submit")
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["code"] != "424242" || req["encrypted_mfa_code_token"] != "enc-mfa" {
				fail(w, http.StatusForbidden, "bad mfa code")
				return
			}
			writeJSON(w, map[string]string{"auth_token": "auth-tok"})

		case path == "/user-info":
			b.record("user-info")
			if r.Header.Get("Authorization") != "Bearer auth-tok" {
				fail(w, http.StatusUnauthorized, "bad bearer")
				return
			}
			if b.userInfoFailures > 0 {
				b.userInfoFailures--
				fail(w, http.StatusInternalServerError, "transient")
				return
			}
			classes := make([]map[string]string, len(b.classes))
			for i, c := range b.classes {
				classes[i] = map[string]string{"class_id": c}
			}
			writeJSON(w, map[string]any{
				"username": "student",
				"classes":  classes,
				"finance":  map[string]float64{"balance": b.balance},
			})

		case path == "/class" && r.Method == "DELETE":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			id := req["class_id"]
			b.record("drop:" + id)
			if b.dropFailures[id] > 0 {
				b.dropFailures[id]--
				fail(w, http.StatusInternalServerError, "transient")
				return
			}
			enrolled := false
			for _, c := range b.classes {
				if c == id {
					enrolled = true
				}
			}
			if !enrolled {
				fail(w, http.StatusBadRequest, "not enrolled in "+id)
				return
			}
			kept := b.classes[:0]
			for _, c := range b.classes {
				if c != id {
					kept = append(kept, c)
				}
			}
			b.classes = kept
			writeJSON(w, map[string]string{"status": "dropped"})

		case path == "/payment/checkout-session":
			b.record("checkout")
			writeJSON(w, map[string]any{"checkout_session_token": "chk-tok"})

		case path == "/payment-method":
			b.record("payment-method")
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if req["form_prep_token"] != "prep-payment" {
				fail(w, http.StatusBadRequest, "bad payment prep token")
				return
			}
			writeJSON(w, map[string]string{"status": "added"})

		case path == "/payment":
			b.record("payment")
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if req["checkout_session_token"] != "chk-tok" || req["captcha_solved_token"] != "cap-payment" {
				fail(w, http.StatusBadRequest, "bad payment tokens")
				return
			}
			b.balance = 0
			b.paid = true
			writeJSON(w, map[string]string{"status": "paid"})

		case path == "/dropout":
			b.record("dropout")
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if req["captcha_solved_token"] != "cap-dropout" {
				fail(w, http.StatusForbidden, "captcha not solved")
				return
			}
			if b.balance > 0 {
				fail(w, http.StatusBadRequest, "outstanding balance")
				return
			}
			b.droppedOut = true
			writeJSON(w, map[string]string{"status": "dropped out"})

		default:
			http.NotFound(w, r)
		}
	})
}

// testConfig keeps every wait tiny so full runs finish in milliseconds.
func testConfig() Config {
	return Config{
		RegisterWait: 40 * time.Millisecond,
		LoginWait:    5 * time.Millisecond,
		PaymentPause: 5 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: 5 * time.Millisecond,
		StageTimeout: 5 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T, backend *fakeBackend, cfg Config) (*Orchestrator, func()) {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	client, err := api.New(server.URL, api.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatal(err)
	}
	solver := captcha.New(client, captcha.Config{BatchSize: 8, InterBatchPause: -1})

	account := api.Account{Username: "student", Email: "student@outlook.com", Password: "Aa1!secret00", FullName: "Test User"}
	if cfg.UseExistingAccount {
		account = api.Account{Username: "student", Password: "Aa1!secret00"}
	}
	return New(client, solver, account, cfg, nil), server.Close
}

func TestRun_FullWorkflow(t *testing.T) {
	backend := newFakeBackend(t)
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v (stage %s)", err, report.Stage)
	}
	if report.Stage != StageDone {
		t.Errorf("terminal stage = %s, want done", report.Stage)
	}

	if !backend.registered {
		t.Error("account never registered")
	}
	if !backend.droppedOut {
		t.Error("dropout never submitted")
	}
	if !backend.paid {
		t.Error("balance never settled")
	}
	if len(backend.classes) != 0 {
		t.Errorf("classes left enrolled: %v", backend.classes)
	}
	for _, c := range []string{"COMP-1", "COMP-2", "COMP-3"} {
		if n := backend.callCount("drop:" + c); n != 1 {
			t.Errorf("class %s dropped %d times, want 1", c, n)
		}
	}
	// One challenge per gated stage.
	for _, typ := range []string{"logos", "sun", "pretty_faces"} {
		if n := backend.callCount("challenge:" + typ); n != 1 {
			t.Errorf("challenge %s fetched %d times, want 1", typ, n)
		}
	}
	if report.CandidatesTried == 0 {
		t.Error("report does not carry probe counts")
	}
}

func TestRun_ExistingCredentialsSkipRegistration(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := testConfig()
	cfg.UseExistingAccount = true
	orch, cleanup := newTestOrchestrator(t, backend, cfg)
	defer cleanup()

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backend.callCount("register") != 0 {
		t.Error("registration submitted in existing-account mode")
	}
	if backend.callCount("prepare:public/register") != 0 {
		t.Error("registration form prepared in existing-account mode")
	}
	if !backend.droppedOut {
		t.Error("dropout never submitted")
	}
}

func TestRun_LoginPrepPrefetchedDuringActivationWait(t *testing.T) {
	backend := newFakeBackend(t)
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prefetchAt, ok := backend.firstCall("prepare:public/login")
	if !ok {
		t.Fatal("login form never prepared")
	}
	registerAt, ok := backend.firstCall("register")
	if !ok {
		t.Fatal("registration never submitted")
	}
	// The activation wait separates the prefetch (issued immediately) from
	// the registration submit (issued after the wait); the prefetch must
	// land inside the wait, not after it.
	if !prefetchAt.Before(registerAt) {
		t.Error("login prep was not prefetched during the activation wait")
	}
	if n := backend.callCount("prepare:public/login"); n != 1 {
		t.Errorf("login form prepared %d times, want 1 (prefetch sufficed)", n)
	}
}

func TestRun_RetryableFailuresRecover(t *testing.T) {
	backend := newFakeBackend(t)
	backend.userInfoFailures = 2
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run did not recover from transient failures: %v (stage %s)", err, report.Stage)
	}
	if report.Stage != StageDone {
		t.Errorf("terminal stage = %s, want done", report.Stage)
	}
}

func TestRun_PartialDropFailureRetriesOnlyRemaining(t *testing.T) {
	// One drop fails transiently while the backend rejects drops of classes
	// no longer enrolled. The stage retry must re-derive the enrolled set
	// instead of replaying drops that already landed, which the strict
	// backend would answer with a fatal 400.
	backend := newFakeBackend(t)
	backend.dropFailures = map[string]int{"COMP-2": 1}
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run did not survive a partial drop failure: %v (stage %s)", err, report.Stage)
	}
	if report.Stage != StageDone {
		t.Errorf("terminal stage = %s, want done", report.Stage)
	}
	if len(backend.classes) != 0 {
		t.Errorf("classes left enrolled: %v", backend.classes)
	}
	// The failed drop is re-attempted; an extra attempt on any other class
	// would have been a 400 and the run could not have finished.
	if n := backend.callCount("drop:COMP-2"); n != 2 {
		t.Errorf("failed class dropped %d times, want 2", n)
	}
	for _, c := range []string{"COMP-1", "COMP-3"} {
		if n := backend.callCount("drop:" + c); n < 1 {
			t.Errorf("class %s never dropped", c)
		}
	}
}

func TestRun_RetryBudgetExceeded(t *testing.T) {
	backend := newFakeBackend(t)
	backend.userInfoFailures = 1000
	cfg := testConfig()
	orch, cleanup := newTestOrchestrator(t, backend, cfg)
	defer cleanup()

	report, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if report.Stage != StageAuthenticated {
		t.Errorf("failed stage = %s, want authenticated", report.Stage)
	}
	if report.ErrKind != "network" {
		t.Errorf("error kind = %q, want network", report.ErrKind)
	}
	// First attempt plus MaxRetries re-attempts, then the machine stops:
	// nothing past the failing stage may have been called.
	if n := backend.callCount("user-info"); n != 1+cfg.MaxRetries {
		t.Errorf("user-info called %d times, want %d", n, 1+cfg.MaxRetries)
	}
	if backend.callCount("checkout") != 0 || backend.callCount("dropout") != 0 {
		t.Error("calls continued after the machine failed")
	}
}

func TestRun_ZeroBalanceSkipsPayment(t *testing.T) {
	backend := newFakeBackend(t)
	backend.balance = 0
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backend.callCount("checkout") != 0 || backend.callCount("payment") != 0 {
		t.Error("payment issued with nothing owed")
	}
	if n := backend.callCount("challenge:sun"); n != 0 {
		t.Errorf("payment challenge fetched %d times on the skip path", n)
	}
	if !backend.droppedOut {
		t.Error("dropout never submitted")
	}
}

func TestRun_ExhaustedChallengeIsFatal(t *testing.T) {
	backend := newFakeBackend(t)
	delete(backend.correctMask, api.PurposeAuth)
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	report, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if report.Stage != StageLoginChallenge {
		t.Errorf("failed stage = %s, want login-challenge", report.Stage)
	}
	if report.ErrKind != "challenge-exhausted" {
		t.Errorf("error kind = %q, want challenge-exhausted", report.ErrKind)
	}
	if report.CandidatesTried != 8 {
		t.Errorf("candidates tried = %d, want the full 3-cell space of 8", report.CandidatesTried)
	}
	if backend.callCount("login") != 0 {
		t.Error("login attempted after challenge exhaustion")
	}
}

func TestRun_DropOverlapGroupJoinsBeforeAdvancing(t *testing.T) {
	backend := newFakeBackend(t)
	orch, cleanup := newTestOrchestrator(t, backend, testConfig())
	defer cleanup()

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The payment prep is part of the drop overlap group and must not be
	// re-fetched on the critical path afterwards.
	if n := backend.callCount("prepare:payment"); n != 1 {
		t.Errorf("payment form prepared %d times, want 1", n)
	}
	// Advancing before the join would let checkout observe enrolled
	// classes; by the time checkout runs, every drop has landed.
	checkoutAt, _ := backend.firstCall("checkout")
	for _, c := range []string{"COMP-1", "COMP-2", "COMP-3"} {
		dropAt, ok := backend.firstCall("drop:" + c)
		if !ok {
			t.Fatalf("class %s never dropped", c)
		}
		if dropAt.After(checkoutAt) {
			t.Errorf("drop of %s completed after checkout began", c)
		}
	}
}
