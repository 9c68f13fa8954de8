package session

import (
	"sync"
	"time"
)

// TokenPurpose keys the token store. One live token per purpose; a new put
// supersedes the old value.
type TokenPurpose string

const (
	TokenFormRegister TokenPurpose = "form:register"
	TokenFormLogin    TokenPurpose = "form:login"
	TokenFormPayment  TokenPurpose = "form:payment"
	TokenMfa          TokenPurpose = "mfa"
	TokenAuth         TokenPurpose = "auth"
	TokenCheckout     TokenPurpose = "checkout"
	TokenCaptchaAuth  TokenPurpose = "captcha:auth"
	TokenCaptchaPay   TokenPurpose = "captcha:payment"
	TokenCaptchaDrop  TokenPurpose = "captcha:dropout"
)

type storedToken struct {
	value  string
	expiry time.Time
}

// TokenStore is the session-scoped credential cache. The orchestrator is its
// only writer; the mutex exists so that misuse is safe rather than because
// the design needs it.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[TokenPurpose]storedToken
	now    func() time.Time
}

// NewTokenStore returns an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[TokenPurpose]storedToken),
		now:    time.Now,
	}
}

// Put records a token for a purpose, replacing any prior one. A zero expiry
// means the token does not age out.
func (s *TokenStore) Put(purpose TokenPurpose, value string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[purpose] = storedToken{value: value, expiry: expiry}
}

// Get returns the live token for a purpose. Expired tokens are never
// returned; they are dropped on read.
func (s *TokenStore) Get(purpose TokenPurpose) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[purpose]
	if !ok {
		return "", false
	}
	if !tok.expiry.IsZero() && !s.now().Before(tok.expiry) {
		delete(s.tokens, purpose)
		return "", false
	}
	return tok.value, true
}

// Clear discards every token. Called at session teardown.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[TokenPurpose]storedToken)
}
