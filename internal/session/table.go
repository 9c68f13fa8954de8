package session

import "deckdrop/internal/api"

// StageSpec declares one stage: the tokens it consumes from the store, the
// challenge it must solve (if any), and whether the following stage's
// preparation request may be issued while this stage waits. Keeping the
// shapes here, out of the control flow, is what lets the tests exercise
// stage requirements without running the machine.
type StageSpec struct {
	Stage            Stage
	Name             string
	Needs            []TokenPurpose
	Prefetchable     bool
	ChallengeType    api.ChallengeType
	ChallengePurpose api.Purpose
}

// stageTable is the static, ordered stage list the orchestrator walks.
var stageTable = []StageSpec{
	{Stage: StageAnonymous, Name: "anonymous"},
	{Stage: StageRegistering, Name: "registering"},
	{Stage: StagePendingActivation, Name: "pending-activation", Prefetchable: true},
	{Stage: StageLoggingIn, Name: "logging-in"},
	{Stage: StageLoginChallenge, Name: "login-challenge", Needs: []TokenPurpose{TokenFormLogin},
		ChallengeType: api.ChallengeLogos, ChallengePurpose: api.PurposeAuth},
	{Stage: StageMfaPending, Name: "mfa-pending", Needs: []TokenPurpose{TokenMfa}},
	{Stage: StageAuthenticated, Name: "authenticated", Needs: []TokenPurpose{TokenAuth}},
	{Stage: StageDroppingClasses, Name: "dropping-classes", Needs: []TokenPurpose{TokenAuth}, Prefetchable: true},
	{Stage: StagePreparingPayment, Name: "preparing-payment", Needs: []TokenPurpose{TokenAuth}},
	{Stage: StagePaymentChallenge, Name: "payment-challenge",
		Needs:         []TokenPurpose{TokenAuth, TokenCheckout, TokenFormPayment},
		ChallengeType: api.ChallengeSun, ChallengePurpose: api.PurposePayment},
	{Stage: StagePaymentComplete, Name: "payment-complete", Needs: []TokenPurpose{TokenAuth}},
	{Stage: StageDropoutConfirm, Name: "dropout-confirm", Needs: []TokenPurpose{TokenAuth}},
	{Stage: StageDropoutChallenge, Name: "dropout-challenge", Needs: []TokenPurpose{TokenAuth},
		ChallengeType: api.ChallengePrettyFaces, ChallengePurpose: api.PurposeDropout},
}

// Table returns the stage table in execution order.
func Table() []StageSpec {
	out := make([]StageSpec, len(stageTable))
	copy(out, stageTable)
	return out
}

// SpecFor looks up the spec for a stage. Terminal stages have no spec.
func SpecFor(stage Stage) (StageSpec, bool) {
	for _, spec := range stageTable {
		if spec.Stage == stage {
			return spec, true
		}
	}
	return StageSpec{}, false
}

// HasChallenge reports whether the stage is gated by a captcha.
func (s StageSpec) HasChallenge() bool { return s.ChallengeType != "" }

// MissingTokens returns the declared inputs absent from the store.
func (s StageSpec) MissingTokens(store *TokenStore) []TokenPurpose {
	var missing []TokenPurpose
	for _, p := range s.Needs {
		if _, ok := store.Get(p); !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
