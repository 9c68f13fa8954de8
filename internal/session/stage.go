package session

import (
	"time"

	"github.com/google/uuid"

	"deckdrop/internal/api"
)

// Stage is one step of the workflow state machine. Ordinal order is
// transition order: the machine only ever moves forward, except for
// explicit same-stage retries.
type Stage int

const (
	StageAnonymous Stage = iota
	StageRegistering
	StagePendingActivation
	StageLoggingIn
	StageLoginChallenge
	StageMfaPending
	StageAuthenticated
	StageDroppingClasses
	StagePreparingPayment
	StagePaymentChallenge
	StagePaymentComplete
	StageDropoutConfirm
	StageDropoutChallenge
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageAnonymous:
		return "anonymous"
	case StageRegistering:
		return "registering"
	case StagePendingActivation:
		return "pending-activation"
	case StageLoggingIn:
		return "logging-in"
	case StageLoginChallenge:
		return "login-challenge"
	case StageMfaPending:
		return "mfa-pending"
	case StageAuthenticated:
		return "authenticated"
	case StageDroppingClasses:
		return "dropping-classes"
	case StagePreparingPayment:
		return "preparing-payment"
	case StagePaymentChallenge:
		return "payment-challenge"
	case StagePaymentComplete:
		return "payment-complete"
	case StageDropoutConfirm:
		return "dropout-confirm"
	case StageDropoutChallenge:
		return "dropout-challenge"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the machine stops at this stage.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// StageResult is what one stage execution produces. Err nil means success
// and Next holds the stage to advance to. Retry distinguishes transient
// failures (re-run the same stage) from fatal ones (stop the machine).
type StageResult struct {
	Next  Stage
	Err   error
	Retry bool
}

// StageSuccess advances to next.
func StageSuccess(next Stage) StageResult { return StageResult{Next: next} }

// StageRetry re-runs the current stage after backoff.
func StageRetry(err error) StageResult { return StageResult{Err: err, Retry: true} }

// StageFatal stops the machine.
func StageFatal(err error) StageResult { return StageResult{Err: err} }

// Session is the workflow's mutable state. Created at start, mutated only by
// the orchestrator, discarded at terminal state.
type Session struct {
	ID        string
	Stage     Stage
	Account   api.Account
	Tokens    *TokenStore
	CreatedAt time.Time

	// Populated as stages complete.
	Classes []api.ClassInfo
	Balance float64

	// Diagnostics for the failure report.
	CandidatesTried int
}

// NewSession creates a fresh session in the anonymous stage.
func NewSession(acct api.Account) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Stage:     StageAnonymous,
		Account:   acct,
		Tokens:    NewTokenStore(),
		CreatedAt: time.Now(),
	}
}

// Teardown clears session credentials. Nothing is persisted.
func (s *Session) Teardown() {
	s.Tokens.Clear()
}
