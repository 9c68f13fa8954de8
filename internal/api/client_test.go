package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	client, err := New(server.URL, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatal(err)
	}
	return client, server.Close
}

func TestPrepareForm(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/form/prepare/public/login" || r.Method != "GET" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"form_prep_token": "prep-123"})
	}))
	defer cleanup()

	prep, err := client.PrepareForm(context.Background(), "public/login")
	if err != nil {
		t.Fatalf("PrepareForm: %v", err)
	}
	if prep.Token != "prep-123" {
		t.Errorf("token = %q, want prep-123", prep.Token)
	}
	if prep.IssuedAt.IsZero() {
		t.Error("IssuedAt not recorded")
	}
}

func TestPrepareForm_EmptyToken(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"form_prep_token": ""})
	}))
	defer cleanup()

	_, err := client.PrepareForm(context.Background(), "public/login")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if ErrorOf(err) != KindValidation {
		t.Errorf("kind = %v, want validation", ErrorOf(err))
	}
}

func TestFetchChallenge(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("challenge_type") != "logos" {
			t.Errorf("challenge_type = %q", r.URL.Query().Get("challenge_type"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"images": []map[string]string{
				{"url": "https://img/1"}, {"url": "https://img/2"},
			},
			"encrypted_answer": "blob",
		})
	}))
	defer cleanup()

	ch, err := client.FetchChallenge(context.Background(), ChallengeLogos, PurposeAuth)
	if err != nil {
		t.Fatalf("FetchChallenge: %v", err)
	}
	if len(ch.Options) != 2 || ch.EncryptedAnswer != "blob" {
		t.Errorf("challenge = %+v", ch)
	}
	if ch.ID == "" {
		t.Error("challenge ID not derived")
	}
	if ch.Purpose != PurposeAuth || ch.Type != ChallengeLogos {
		t.Errorf("challenge scope = %s/%s", ch.Type, ch.Purpose)
	}
}

func TestFetchChallenge_MissingFields(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"images": []map[string]string{}})
	}))
	defer cleanup()

	_, err := client.FetchChallenge(context.Background(), ChallengeLogos, PurposeAuth)
	if ErrorOf(err) != KindValidation {
		t.Fatalf("kind = %v (%v), want validation", ErrorOf(err), err)
	}
}

func TestSubmitCandidate_Rejection(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("candidate probe must not carry a bearer")
		}
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"message": "wrong selection"})
	}))
	defer cleanup()

	client.SetBearer("should-not-be-sent")
	_, err := client.SubmitCandidate(context.Background(), nil, "blob", PurposeAuth)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !IsServerRejection(err) {
		t.Errorf("rejection not classified as server rejection: %v", err)
	}
}

func TestSubmitCandidate_EmptySelectionEncodesAsArray(t *testing.T) {
	var gotBody map[string]any
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"captcha_solved_token": "tok"})
	}))
	defer cleanup()

	if _, err := client.SubmitCandidate(context.Background(), nil, "blob", PurposeAuth); err != nil {
		t.Fatalf("SubmitCandidate: %v", err)
	}
	if _, ok := gotBody["selected_urls"].([]any); !ok {
		t.Errorf("selected_urls = %v, want JSON array", gotBody["selected_urls"])
	}
}

func TestLogin_BearerAndShapes(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		for _, field := range []string{"username", "password", "captcha_solved_token", "form_prep_token", "mouse_movement_count"} {
			if _, ok := req[field]; !ok {
				t.Errorf("login body missing %s", field)
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"mfa_required_auth_token": "mfa-tok"})
	}))
	defer cleanup()

	res, err := client.Login(context.Background(), Account{Username: "u", Password: "p"}, "cap", "prep")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.MfaToken != "mfa-tok" || res.AuthToken != "" {
		t.Errorf("login result = %+v", res)
	}
}

func TestLogin_NoTokens(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer cleanup()

	_, err := client.Login(context.Background(), Account{Username: "u", Password: "p"}, "cap", "prep")
	if ErrorOf(err) != KindValidation {
		t.Fatalf("kind = %v, want validation", ErrorOf(err))
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindNetwork},
		{http.StatusBadRequest, KindFatal},
	}
	for _, tt := range tests {
		client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
		}))

		_, err := client.UserInfo(context.Background())
		if got := ErrorOf(err); got != tt.want {
			t.Errorf("status %d: kind = %v, want %v", tt.status, got, tt.want)
		}
		if !HasStatusCode(err, tt.status) {
			t.Errorf("status %d not preserved: %v", tt.status, err)
		}
		cleanup()
	}
}

func TestErrorOf_Transport(t *testing.T) {
	client, err := New("http://127.0.0.1:1") // nothing listens here
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.UserInfo(context.Background())
	if ErrorOf(err) != KindNetwork {
		t.Errorf("transport failure kind = %v, want network", ErrorOf(err))
	}
	if IsServerRejection(err) {
		t.Error("transport failure misclassified as server rejection")
	}
}

func TestMfaExchange(t *testing.T) {
	client, cleanup := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mfa-tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/mfa/initiate":
			json.NewEncoder(w).Encode(map[string]string{
				"otp_code":                 "123456",
				"encrypted_mfa_code_token": "enc",
			})
		case "/mfa/submit":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["code"] != "123456" || req["encrypted_mfa_code_token"] != "enc" {
				t.Errorf("mfa submit body = %v", req)
			}
			json.NewEncoder(w).Encode(map[string]string{"auth_token": "auth-tok"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer cleanup()

	client.SetBearer("mfa-tok")
	init, err := client.MfaInitiate(context.Background())
	if err != nil {
		t.Fatalf("MfaInitiate: %v", err)
	}
	auth, err := client.MfaSubmit(context.Background(), init)
	if err != nil {
		t.Fatalf("MfaSubmit: %v", err)
	}
	if auth != "auth-tok" {
		t.Errorf("auth token = %q", auth)
	}
}

func TestCardLast4(t *testing.T) {
	if got := (CardDetails{Number: "4242424242424242"}).Last4(); got != "4242" {
		t.Errorf("Last4 = %q", got)
	}
	if got := (CardDetails{Number: "42"}).Last4(); got != "42" {
		t.Errorf("short Last4 = %q", got)
	}
}
