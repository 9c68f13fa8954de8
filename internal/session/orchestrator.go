// Package session drives the dropout workflow as a forward-only state
// machine. Each stage is a function of the session and one round of server
// exchanges; transient failures retry the same stage with fixed backoff,
// everything else stops the machine. Latency hiding is load-bearing here:
// idempotent preparation requests are prefetched across server-imposed
// waits, and independent mutations within a stage run as one overlap group.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"deckdrop/internal/api"
	"deckdrop/internal/captcha"
)

// Config tunes the orchestrator. Zero values get the defaults observed
// against the real backend.
type Config struct {
	// RegisterWait is the minimum age of the registration form-prep token.
	RegisterWait time.Duration
	// LoginWait is the minimum age of the login form-prep token when no
	// registration wait already covered it.
	LoginWait time.Duration
	// PaymentPause is the server-imposed gap between opening a checkout
	// session and registering a payment method.
	PaymentPause time.Duration
	// MaxRetries bounds consecutive retryable failures per stage.
	MaxRetries int
	// RetryBackoff is slept between same-stage retries.
	RetryBackoff time.Duration
	// StageTimeout is the wall-clock budget for one stage attempt.
	StageTimeout time.Duration
	// Currency for checkout sessions.
	Currency string
	// Card used to settle the balance.
	Card api.CardDetails
	// UseExistingAccount skips registration; the session's account must
	// carry valid credentials.
	UseExistingAccount bool
}

func (c Config) withDefaults() Config {
	if c.RegisterWait == 0 {
		c.RegisterWait = 10 * time.Second
	}
	if c.LoginWait == 0 {
		c.LoginWait = 2 * time.Second
	}
	if c.PaymentPause == 0 {
		c.PaymentPause = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.Currency == "" {
		c.Currency = "CAD"
	}
	if c.Card.Number == "" {
		c.Card = api.CardDetails{Number: "4242424242424242", CVV: "424", Expiry: "12/26"}
	}
	return c
}

// captchaTokenLifetime bounds how long a solved token is trusted before the
// backend would reject it as stale.
const captchaTokenLifetime = 2 * time.Minute

// Orchestrator owns one session and walks it through the stage table. All
// collaborators are injected; it holds no global state.
type Orchestrator struct {
	client *api.Client
	solver *captcha.Solver
	cfg    Config
	logger *slog.Logger

	sess        *Session
	failedStage Stage
	failedErr   error
}

// Report is the user-visible outcome of a run.
type Report struct {
	SessionID       string
	Stage           Stage
	Account         api.Account
	ErrKind         string
	Err             error
	CandidatesTried int
}

// New builds an orchestrator around a fresh session for the given account.
func New(client *api.Client, solver *captcha.Solver, acct api.Account, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		client: client,
		solver: solver,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sess:   NewSession(acct),
	}
}

// Session exposes the orchestrator's session for inspection.
func (o *Orchestrator) Session() *Session { return o.sess }

// Run drives the machine to a terminal stage and returns the report.
// The returned error is non-nil exactly when the terminal stage is Failed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	defer o.sess.Teardown()

	retries := 0

	for !o.sess.Stage.Terminal() {
		stage := o.sess.Stage
		res := o.runStage(ctx, stage)

		if res.Err == nil {
			if res.Next <= stage {
				res = StageFatal(fmt.Errorf("stage %s: non-forward transition to %s", stage, res.Next))
			} else {
				o.logger.Info("stage complete", "stage", stage.String(), "next", res.Next.String())
				o.sess.Stage = res.Next
				retries = 0
				continue
			}
		}

		if res.Retry {
			retries++
			if retries <= o.cfg.MaxRetries {
				o.logger.Warn("stage retry", "stage", stage.String(), "attempt", retries, "error", res.Err)
				if err := o.sleep(ctx, o.cfg.RetryBackoff); err == nil {
					continue
				}
				res.Err = fmt.Errorf("stage %s: %w", stage, ctx.Err())
			} else {
				o.logger.Error("retry budget exceeded", "stage", stage.String(), "error", res.Err)
			}
		}

		o.logger.Error("stage failed", "stage", stage.String(), "error", res.Err)
		o.fail(stage, res.Err)
	}

	report := o.report()
	if o.sess.Stage == StageFailed {
		return report, report.Err
	}
	return report, nil
}

func (o *Orchestrator) fail(stage Stage, err error) {
	o.sess.Stage = StageFailed
	o.failedStage = stage
	o.failedErr = err
}

func (o *Orchestrator) report() *Report {
	r := &Report{
		SessionID:       o.sess.ID,
		Stage:           o.sess.Stage,
		Account:         o.sess.Account,
		CandidatesTried: o.sess.CandidatesTried,
	}
	if o.sess.Stage == StageFailed {
		r.Stage = o.failedStage
		r.Err = o.failedErr
		r.ErrKind = errKind(o.failedErr)
	}
	return r
}

func errKind(err error) string {
	if err == nil {
		return ""
	}
	if captcha.IsExhausted(err) {
		return "challenge-exhausted"
	}
	return api.ErrorOf(err).String()
}

// runStage validates declared inputs, applies the stage wall-clock budget,
// and dispatches to the stage handler.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage) StageResult {
	spec, ok := SpecFor(stage)
	if !ok {
		return StageFatal(fmt.Errorf("no spec for stage %s", stage))
	}
	if missing := spec.MissingTokens(o.sess.Tokens); len(missing) > 0 {
		return StageFatal(fmt.Errorf("stage %s: missing required tokens %v", stage, missing))
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	res := o.dispatch(stageCtx, spec)

	// A blown stage budget is a transient condition, not a verdict.
	if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) && ctx.Err() == nil {
		return StageRetry(res.Err)
	}
	return res
}

func (o *Orchestrator) dispatch(ctx context.Context, spec StageSpec) StageResult {
	switch spec.Stage {
	case StageAnonymous:
		return o.stageAnonymous(ctx)
	case StageRegistering:
		return o.stageRegistering(ctx)
	case StagePendingActivation:
		return o.stagePendingActivation(ctx, spec)
	case StageLoggingIn:
		return o.stageLoggingIn(ctx)
	case StageLoginChallenge:
		return o.stageLoginChallenge(ctx, spec)
	case StageMfaPending:
		return o.stageMfaPending(ctx)
	case StageAuthenticated:
		return o.stageAuthenticated(ctx)
	case StageDroppingClasses:
		return o.stageDroppingClasses(ctx, spec)
	case StagePreparingPayment:
		return o.stagePreparingPayment(ctx)
	case StagePaymentChallenge:
		return o.stagePaymentChallenge(ctx, spec)
	case StagePaymentComplete:
		return o.stagePaymentComplete(ctx)
	case StageDropoutConfirm:
		return o.stageDropoutConfirm(ctx)
	case StageDropoutChallenge:
		return o.stageDropoutChallenge(ctx, spec)
	default:
		return StageFatal(fmt.Errorf("unhandled stage %s", spec.Stage))
	}
}

// classify maps a gateway error onto the retry policy.
func classify(err error) StageResult {
	switch api.ErrorOf(err) {
	case api.KindNetwork, api.KindRateLimited:
		return StageRetry(err)
	default:
		return StageFatal(err)
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- stage handlers ---

func (o *Orchestrator) stageAnonymous(context.Context) StageResult {
	if o.cfg.UseExistingAccount {
		if o.sess.Account.Username == "" || o.sess.Account.Password == "" {
			return StageFatal(errors.New("existing-account mode without credentials"))
		}
		o.logger.Info("using supplied credentials", "username", o.sess.Account.Username)
		return StageSuccess(StagePendingActivation)
	}
	return StageSuccess(StageRegistering)
}

// stageRegistering mints the registration form-prep token. The token must
// age before the registration submit; that wait belongs to the next stage
// so the prefetch can hide inside it.
func (o *Orchestrator) stageRegistering(ctx context.Context) StageResult {
	prep, err := o.client.PrepareForm(ctx, "public/register")
	if err != nil {
		return classify(err)
	}
	o.sess.Tokens.Put(TokenFormRegister, prep.Token, time.Time{})
	return StageSuccess(StagePendingActivation)
}

// stagePendingActivation sits out the server-imposed anti-bot wait. The
// login form-prep request is idempotent and mutates nothing, so it is
// issued concurrently with the wait; its result is ready the instant the
// wait elapses. On the fresh-account path the registration submit follows
// the wait, completing activation.
func (o *Orchestrator) stagePendingActivation(ctx context.Context, spec StageSpec) StageResult {
	wait := o.cfg.RegisterWait
	if o.cfg.UseExistingAccount {
		wait = o.cfg.LoginWait
	}

	var loginPrep *api.FormPrep
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return o.sleep(egCtx, wait)
	})
	if spec.Prefetchable {
		eg.Go(func() error {
			prep, err := o.client.PrepareForm(egCtx, "public/login")
			if err != nil {
				// Prefetch failure is not fatal; the logging-in stage
				// falls back to fetching on the critical path.
				o.logger.Warn("login prep prefetch failed", "error", err)
				return nil
			}
			loginPrep = prep
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return classify(err)
	}

	if loginPrep != nil {
		o.sess.Tokens.Put(TokenFormLogin, loginPrep.Token, time.Time{})
	}

	if o.cfg.UseExistingAccount {
		return StageSuccess(StageLoggingIn)
	}

	regToken, ok := o.sess.Tokens.Get(TokenFormRegister)
	if !ok {
		return StageFatal(errors.New("registration form token lost"))
	}
	if err := o.client.Register(ctx, o.sess.Account, regToken); err != nil {
		return classify(err)
	}
	o.logger.Info("registered", "username", o.sess.Account.Username)
	return StageSuccess(StageLoggingIn)
}

// stageLoggingIn guarantees an aged login form-prep token. When the
// prefetch delivered one during the activation wait this stage is free;
// otherwise it pays fetch-plus-wait on the critical path, which is
// observably equivalent.
func (o *Orchestrator) stageLoggingIn(ctx context.Context) StageResult {
	if _, ok := o.sess.Tokens.Get(TokenFormLogin); ok {
		return StageSuccess(StageLoginChallenge)
	}
	prep, err := o.client.PrepareForm(ctx, "public/login")
	if err != nil {
		return classify(err)
	}
	if err := o.sleep(ctx, o.cfg.LoginWait); err != nil {
		return StageFatal(err)
	}
	o.sess.Tokens.Put(TokenFormLogin, prep.Token, time.Time{})
	return StageSuccess(StageLoginChallenge)
}

// solveChallenge fetches and brute-forces the stage's challenge, recording
// the solved token under the given purpose.
func (o *Orchestrator) solveChallenge(ctx context.Context, spec StageSpec, store TokenPurpose) (string, StageResult) {
	ch, err := o.client.FetchChallenge(ctx, spec.ChallengeType, spec.ChallengePurpose)
	if err != nil {
		return "", classify(err)
	}
	res, err := o.solver.Solve(ctx, ch)
	if err != nil {
		var ex *captcha.ExhaustedError
		if errors.As(err, &ex) {
			o.sess.CandidatesTried += ex.Tried
		}
		return "", StageFatal(err)
	}
	o.sess.CandidatesTried += res.Tried
	o.sess.Tokens.Put(store, res.Token.Value, time.Now().Add(captchaTokenLifetime))
	return res.Token.Value, StageResult{}
}

func (o *Orchestrator) stageLoginChallenge(ctx context.Context, spec StageSpec) StageResult {
	captchaToken, bad := o.solveChallenge(ctx, spec, TokenCaptchaAuth)
	if bad.Err != nil {
		return bad
	}
	prepToken, _ := o.sess.Tokens.Get(TokenFormLogin)

	login, err := o.client.Login(ctx, o.sess.Account, captchaToken, prepToken)
	if err != nil {
		return classify(err)
	}
	if login.AuthToken != "" {
		o.sess.Tokens.Put(TokenAuth, login.AuthToken, time.Time{})
		o.client.SetBearer(login.AuthToken)
		return StageSuccess(StageAuthenticated)
	}
	o.sess.Tokens.Put(TokenMfa, login.MfaToken, time.Time{})
	o.client.SetBearer(login.MfaToken)
	return StageSuccess(StageMfaPending)
}

func (o *Orchestrator) stageMfaPending(ctx context.Context) StageResult {
	init, err := o.client.MfaInitiate(ctx)
	if err != nil {
		return classify(err)
	}
	authToken, err := o.client.MfaSubmit(ctx, init)
	if err != nil {
		return classify(err)
	}
	o.sess.Tokens.Put(TokenAuth, authToken, time.Time{})
	o.client.SetBearer(authToken)
	o.logger.Info("authenticated")
	return StageSuccess(StageAuthenticated)
}

func (o *Orchestrator) stageAuthenticated(ctx context.Context) StageResult {
	info, err := o.client.UserInfo(ctx)
	if err != nil {
		return classify(err)
	}
	o.sess.Classes = info.Classes
	o.sess.Balance = info.Finance.Balance
	o.logger.Info("account state", "classes", len(info.Classes), "balance", info.Finance.Balance)
	return StageSuccess(StageDroppingClasses)
}

// stageDroppingClasses runs one overlap group: every class drop plus the
// authenticated payment form-prep prefetch. The server does not care about
// their relative order, so the stage joins on all of them and pays only the
// slowest call's latency. The enrolled set is re-read at entry so a retry
// after a partial failure never replays drops that already landed.
func (o *Orchestrator) stageDroppingClasses(ctx context.Context, spec StageSpec) StageResult {
	info, err := o.client.UserInfo(ctx)
	if err != nil {
		return classify(err)
	}
	o.sess.Classes = info.Classes

	eg, egCtx := errgroup.WithContext(ctx)

	var payPrep *api.FormPrep
	if spec.Prefetchable {
		eg.Go(func() error {
			prep, err := o.client.PrepareForm(egCtx, "payment")
			if err != nil {
				o.logger.Warn("payment prep prefetch failed", "error", err)
				return nil
			}
			payPrep = prep
			return nil
		})
	}

	for _, cls := range o.sess.Classes {
		eg.Go(func() error {
			if err := o.client.DropClass(egCtx, cls.ClassID); err != nil {
				return err
			}
			o.logger.Info("dropped class", "class_id", cls.ClassID)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return classify(err)
	}
	if payPrep != nil {
		o.sess.Tokens.Put(TokenFormPayment, payPrep.Token, time.Time{})
	}
	o.sess.Classes = nil
	return StageSuccess(StagePreparingPayment)
}

func (o *Orchestrator) stagePreparingPayment(ctx context.Context) StageResult {
	info, err := o.client.UserInfo(ctx)
	if err != nil {
		return classify(err)
	}
	o.sess.Balance = info.Finance.Balance
	if o.sess.Balance <= 0 {
		o.logger.Info("no balance to settle")
		return StageSuccess(StageDropoutConfirm)
	}

	if _, ok := o.sess.Tokens.Get(TokenFormPayment); !ok {
		prep, err := o.client.PrepareForm(ctx, "payment")
		if err != nil {
			return classify(err)
		}
		o.sess.Tokens.Put(TokenFormPayment, prep.Token, time.Time{})
	}

	checkout, err := o.client.CreateCheckoutSession(ctx, o.sess.Balance, o.cfg.Currency)
	if err != nil {
		return classify(err)
	}
	o.sess.Tokens.Put(TokenCheckout, checkout.Token, time.Time{})

	// The backend rate-limits the method registration relative to the
	// checkout call.
	if err := o.sleep(ctx, o.cfg.PaymentPause); err != nil {
		return StageFatal(err)
	}

	prepToken, _ := o.sess.Tokens.Get(TokenFormPayment)
	if err := o.client.AddPaymentMethod(ctx, o.cfg.Card, prepToken); err != nil {
		return classify(err)
	}
	return StageSuccess(StagePaymentChallenge)
}

func (o *Orchestrator) stagePaymentChallenge(ctx context.Context, spec StageSpec) StageResult {
	captchaToken, bad := o.solveChallenge(ctx, spec, TokenCaptchaPay)
	if bad.Err != nil {
		return bad
	}
	checkoutToken, _ := o.sess.Tokens.Get(TokenCheckout)
	prepToken, _ := o.sess.Tokens.Get(TokenFormPayment)

	err := o.client.Pay(ctx, checkoutToken, captchaToken, o.cfg.Card.Last4(), o.sess.Balance, prepToken)
	if err != nil {
		return classify(err)
	}
	return StageSuccess(StagePaymentComplete)
}

func (o *Orchestrator) stagePaymentComplete(ctx context.Context) StageResult {
	info, err := o.client.UserInfo(ctx)
	if err != nil {
		return classify(err)
	}
	o.sess.Balance = info.Finance.Balance
	if o.sess.Balance > 0 {
		// Settlement can lag a beat server-side.
		return StageRetry(fmt.Errorf("balance still %v after payment", o.sess.Balance))
	}
	o.logger.Info("balance settled")
	return StageSuccess(StageDropoutConfirm)
}

func (o *Orchestrator) stageDropoutConfirm(ctx context.Context) StageResult {
	info, err := o.client.UserInfo(ctx)
	if err != nil {
		return classify(err)
	}
	if info.Finance.Balance > 0 {
		return StageRetry(fmt.Errorf("dropout gated: outstanding balance %v", info.Finance.Balance))
	}
	return StageSuccess(StageDropoutChallenge)
}

func (o *Orchestrator) stageDropoutChallenge(ctx context.Context, spec StageSpec) StageResult {
	captchaToken, bad := o.solveChallenge(ctx, spec, TokenCaptchaDrop)
	if bad.Err != nil {
		return bad
	}
	if err := o.client.Dropout(ctx, captchaToken); err != nil {
		return classify(err)
	}
	o.logger.Info("dropout accepted")
	return StageSuccess(StageDone)
}
