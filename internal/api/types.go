package api

import "time"

// Purpose scopes a token or challenge to one stage of the enrollment workflow.
// The backend rejects a solved-token presented under a different purpose than
// the one it was minted for.
type Purpose string

const (
	PurposeAuth    Purpose = "auth"
	PurposePayment Purpose = "payment"
	PurposeDropout Purpose = "dropout"
)

// ChallengeType selects which image grid the backend serves.
type ChallengeType string

const (
	ChallengeLogos       ChallengeType = "logos"
	ChallengeSun         ChallengeType = "sun"
	ChallengePrettyFaces ChallengeType = "pretty_faces"
)

// OptionRef is one selectable cell of a challenge grid.
type OptionRef struct {
	URL string `json:"url"`
}

// Challenge is a server-issued image puzzle. Immutable once fetched: the
// encrypted answer binds any submission to this exact option ordering.
type Challenge struct {
	ID              string
	Type            ChallengeType
	Purpose         Purpose
	Options         []OptionRef
	EncryptedAnswer string
}

// SolvedToken is the single-use proof obtained by submitting a correct
// option subset. Valid only for the purpose it was solved under.
type SolvedToken struct {
	Value       string
	Purpose     Purpose
	ChallengeID string
}

// Account holds the credentials the workflow registers or is given.
type Account struct {
	Username string
	Email    string
	Password string
	FullName string
}

// ClassInfo is one enrolled class from /user-info.
type ClassInfo struct {
	ClassID string `json:"class_id"`
	Name    string `json:"name,omitempty"`
}

// UserInfo is the authenticated account snapshot.
type UserInfo struct {
	Username string      `json:"username"`
	Classes  []ClassInfo `json:"classes"`
	Finance  struct {
		Balance float64 `json:"balance"`
	} `json:"finance"`
}

// MfaInitiation is returned by /mfa/initiate. The backend hands the OTP code
// back to the caller alongside the encrypted token it must be echoed with.
type MfaInitiation struct {
	OtpCode            string `json:"otp_code"`
	EncryptedCodeToken string `json:"encrypted_mfa_code_token"`
}

// CheckoutSession is returned by /payment/checkout-session.
type CheckoutSession struct {
	Token    string  `json:"checkout_session_token"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// CardDetails is the payment method registered before settling a balance.
type CardDetails struct {
	Number string
	CVV    string
	Expiry string
}

// Last4 returns the trailing four digits echoed back in the payment call.
func (c CardDetails) Last4() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// Behavioral carries the anti-bot telemetry fields the backend expects on
// form submissions. Constant plausible values; the backend only checks
// presence and rough magnitude.
type Behavioral struct {
	MouseMovementCount int     `json:"mouse_movement_count"`
	MouseTotalDistance int     `json:"mouse_total_distance"`
	KeystrokeCount     int     `json:"keystroke_count,omitempty"`
	UniqueCharsCount   int     `json:"unique_chars_count,omitempty"`
	CheckboxEntropy    float64 `json:"checkbox_entropy,omitempty"`
	ConfirmEntropy     float64 `json:"confirm_button_entropy,omitempty"`
	CaptchaEntropy     float64 `json:"captcha_entropy,omitempty"`
	TimeOnPage         float64 `json:"time_on_page,omitempty"`
}

// DefaultBehavioral matches the values the real frontend produces on a
// normal interaction.
func DefaultBehavioral() Behavioral {
	return Behavioral{
		MouseMovementCount: 200,
		MouseTotalDistance: 4000,
	}
}

// DropoutBehavioral extends the defaults with the entropy fields the final
// confirmation form records.
func DropoutBehavioral() Behavioral {
	b := DefaultBehavioral()
	b.KeystrokeCount = 310
	b.UniqueCharsCount = 45
	b.CheckboxEntropy = 150.5
	b.ConfirmEntropy = 150.0
	b.CaptchaEntropy = 750.0
	b.TimeOnPage = 2500.0
	return b
}

// FormPrep is the anti-bot preparation token minted before a form submit.
// The backend enforces a minimum age on it, hence the waits in the workflow.
type FormPrep struct {
	Token    string
	IssuedAt time.Time
}
