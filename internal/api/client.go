package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is the gateway to the enrollment backend. All workflow traffic goes
// through it; the solver and orchestrator never touch net/http directly.
type Client struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Client during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
}

// New creates a Client for the given backend base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("api: baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a per-call timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		cfg.timeout = d
		return nil
	}
}

// SetBearer installs the token sent as the Authorization header on
// authenticated calls. The orchestrator swaps it as the session advances
// (MFA token during the MFA exchange, auth token afterwards).
func (c *Client) SetBearer(token string) { c.bearer = token }

// Bearer returns the currently installed bearer token.
func (c *Client) Bearer() string { return c.bearer }

// errorRS is the backend's standard error response shape.
type errorRS struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// doJSON executes one HTTP exchange and decodes the JSON response into dst.
// Non-2xx responses become *APIError. withAuth controls the bearer header;
// the captcha probe endpoint is deliberately unauthenticated.
func (c *Client) doJSON(ctx context.Context, method, path, operation string, reqBody, dst any, withAuth bool) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", operation, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", operation, err)
	}
	if withAuth && c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.DebugContext(ctx, "API request", "operation", operation, "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: do request: %w", operation, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "API response", "operation", operation, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errRS errorRS
		if json.Unmarshal(respBody, &errRS) == nil && errRS.Message != "" {
			return newAPIError(operation, resp.StatusCode, errRS.Message)
		}
		msg := string(respBody)
		if msg == "" {
			msg = resp.Status
		}
		return newAPIError(operation, resp.StatusCode, msg)
	}

	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("%s: decode response: %w", operation, err)
		}
	}
	return nil
}

// PrepareForm fetches an anti-bot form preparation token for the given scope
// (e.g. "public/register", "public/login", or the authenticated "payment").
// Idempotent; safe to prefetch.
func (c *Client) PrepareForm(ctx context.Context, scope string) (*FormPrep, error) {
	op := "prepare form " + scope
	var rs struct {
		FormPrepToken string `json:"form_prep_token"`
	}
	if err := c.doJSON(ctx, "GET", "/form/prepare/"+scope, op, nil, &rs, true); err != nil {
		return nil, err
	}
	if rs.FormPrepToken == "" {
		return nil, &ValidationError{Operation: op, Detail: "empty form_prep_token"}
	}
	return &FormPrep{Token: rs.FormPrepToken, IssuedAt: time.Now()}, nil
}

// Register creates a new account. The form prep token must be old enough to
// pass the backend's minimum-age check; the orchestrator owns that wait.
func (c *Client) Register(ctx context.Context, acct Account, prepToken string) error {
	b := DefaultBehavioral()
	req := struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
		PrepTok  string `json:"form_prep_token"`
		Behavioral
		RecaptchaToken string `json:"recaptcha_token"`
	}{acct.Username, acct.Email, acct.Password, acct.FullName, prepToken, b, ""}
	return c.doJSON(ctx, "POST", "/user", "register", req, nil, false)
}

// FetchChallenge retrieves a fresh captcha grid of the given type.
func (c *Client) FetchChallenge(ctx context.Context, typ ChallengeType, purpose Purpose) (*Challenge, error) {
	op := fmt.Sprintf("fetch %s challenge", typ)
	var rs struct {
		ChallengeID     string      `json:"challenge_id"`
		Images          []OptionRef `json:"images"`
		EncryptedAnswer string      `json:"encrypted_answer"`
	}
	if err := c.doJSON(ctx, "GET", "/captcha/challenge?challenge_type="+string(typ), op, nil, &rs, true); err != nil {
		return nil, err
	}
	if len(rs.Images) == 0 || rs.EncryptedAnswer == "" {
		return nil, &ValidationError{Operation: op, Detail: "missing images or encrypted_answer"}
	}
	id := rs.ChallengeID
	if id == "" {
		sum := sha256.Sum256([]byte(rs.EncryptedAnswer))
		id = hex.EncodeToString(sum[:8])
	}
	return &Challenge{
		ID:              id,
		Type:            typ,
		Purpose:         purpose,
		Options:         rs.Images,
		EncryptedAnswer: rs.EncryptedAnswer,
	}, nil
}

// SubmitCandidate probes one option subset against a challenge. A 2xx
// response returns the solved token; any non-2xx is the server saying
// "wrong subset". Read-only from the caller's point of view: a wrong guess
// mutates nothing.
func (c *Client) SubmitCandidate(ctx context.Context, selected []string, encryptedAnswer string, purpose Purpose) (string, error) {
	req := struct {
		SelectedURLs    []string `json:"selected_urls"`
		EncryptedAnswer string   `json:"encrypted_answer"`
		Purpose         Purpose  `json:"purpose"`
	}{selected, encryptedAnswer, purpose}
	if req.SelectedURLs == nil {
		req.SelectedURLs = []string{}
	}
	var rs struct {
		Token string `json:"captcha_solved_token"`
	}
	if err := c.doJSON(ctx, "POST", "/captcha/submit", "submit candidate", req, &rs, false); err != nil {
		return "", err
	}
	if rs.Token == "" {
		return "", &ValidationError{Operation: "submit candidate", Detail: "match without captcha_solved_token"}
	}
	return rs.Token, nil
}

// LoginResult carries whichever token the backend hands back: accounts with
// MFA enabled get an intermediate token, others go straight to auth.
type LoginResult struct {
	MfaToken  string `json:"mfa_required_auth_token"`
	AuthToken string `json:"auth_token"`
}

// Login exchanges credentials plus the captcha and form-prep proofs.
func (c *Client) Login(ctx context.Context, acct Account, captchaToken, prepToken string) (*LoginResult, error) {
	req := struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Captcha  string `json:"captcha_solved_token"`
		PrepTok  string `json:"form_prep_token"`
		Behavioral
	}{acct.Username, acct.Password, captchaToken, prepToken, DefaultBehavioral()}
	var rs LoginResult
	if err := c.doJSON(ctx, "POST", "/login", "login", req, &rs, false); err != nil {
		return nil, err
	}
	if rs.MfaToken == "" && rs.AuthToken == "" {
		return nil, &ValidationError{Operation: "login", Detail: "neither mfa nor auth token present"}
	}
	return &rs, nil
}

// MfaInitiate asks the backend to start the MFA exchange. The bearer must be
// the mfa_required_auth_token from login. The backend leaks the OTP in the
// response, which is the whole reason this flow is automatable.
func (c *Client) MfaInitiate(ctx context.Context) (*MfaInitiation, error) {
	var rs MfaInitiation
	if err := c.doJSON(ctx, "POST", "/mfa/initiate", "mfa initiate", struct{}{}, &rs, true); err != nil {
		return nil, err
	}
	if rs.OtpCode == "" || rs.EncryptedCodeToken == "" {
		return nil, &ValidationError{Operation: "mfa initiate", Detail: "missing otp_code or encrypted token"}
	}
	return &rs, nil
}

// MfaSubmit completes MFA and returns the long-lived auth token.
func (c *Client) MfaSubmit(ctx context.Context, init *MfaInitiation) (string, error) {
	req := struct {
		EncryptedCodeToken string `json:"encrypted_mfa_code_token"`
		Code               string `json:"code"`
	}{init.EncryptedCodeToken, init.OtpCode}
	var rs struct {
		AuthToken string `json:"auth_token"`
	}
	if err := c.doJSON(ctx, "POST", "/mfa/submit", "mfa submit", req, &rs, true); err != nil {
		return "", err
	}
	if rs.AuthToken == "" {
		return "", &ValidationError{Operation: "mfa submit", Detail: "empty auth_token"}
	}
	return rs.AuthToken, nil
}

// UserInfo fetches the authenticated account snapshot (classes, balance).
func (c *Client) UserInfo(ctx context.Context) (*UserInfo, error) {
	var rs UserInfo
	if err := c.doJSON(ctx, "GET", "/user-info", "user info", nil, &rs, true); err != nil {
		return nil, err
	}
	return &rs, nil
}

// DropClass unenrolls one class. Independent across classes; the orchestrator
// issues these concurrently.
func (c *Client) DropClass(ctx context.Context, classID string) error {
	req := struct {
		ClassID string `json:"class_id"`
	}{classID}
	return c.doJSON(ctx, "DELETE", "/class", "drop class "+classID, req, nil, true)
}

// CreateCheckoutSession opens a settlement session for the given amount.
func (c *Client) CreateCheckoutSession(ctx context.Context, amount float64, currency string) (*CheckoutSession, error) {
	req := struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	}{amount, currency}
	var rs CheckoutSession
	if err := c.doJSON(ctx, "POST", "/payment/checkout-session", "checkout session", req, &rs, true); err != nil {
		return nil, err
	}
	if rs.Token == "" {
		return nil, &ValidationError{Operation: "checkout session", Detail: "empty checkout_session_token"}
	}
	return &rs, nil
}

// AddPaymentMethod registers a card. Requires the authenticated payment
// form-prep token, not the public one.
func (c *Client) AddPaymentMethod(ctx context.Context, card CardDetails, prepToken string) error {
	req := struct {
		Number  string `json:"credit_card_number"`
		CVV     string `json:"cvv"`
		Expiry  string `json:"expiry"`
		PrepTok string `json:"form_prep_token"`
		Behavioral
	}{card.Number, card.CVV, card.Expiry, prepToken, DefaultBehavioral()}
	return c.doJSON(ctx, "POST", "/payment-method", "add payment method", req, nil, true)
}

// Pay settles the outstanding balance through the checkout session.
func (c *Client) Pay(ctx context.Context, sessionToken, captchaToken, last4 string, amount float64, prepToken string) error {
	req := struct {
		SessionToken string  `json:"checkout_session_token"`
		Captcha      string  `json:"captcha_solved_token"`
		Last4        string  `json:"payment_method_last_4"`
		Amount       float64 `json:"amount"`
		PrepTok      string  `json:"form_prep_token"`
		Behavioral
	}{sessionToken, captchaToken, last4, amount, prepToken, DefaultBehavioral()}
	return c.doJSON(ctx, "POST", "/payment", "pay", req, nil, true)
}

// Dropout submits the final confirmation with its solved challenge.
func (c *Client) Dropout(ctx context.Context, captchaToken string) error {
	req := struct {
		Captcha string `json:"captcha_solved_token"`
		Behavioral
	}{captchaToken, DropoutBehavioral()}
	return c.doJSON(ctx, "POST", "/dropout", "dropout", req, nil, true)
}

// Probe issues a bare GET against path and reports status and latency.
// Used by the diagnose command; never part of the workflow.
func (c *Client) Probe(ctx context.Context, path string) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return 0, 0, err
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, time.Since(start), nil
}
