package guardrail

// Kind enumerates the outcomes of Authorize.
type Kind string

const (
	KindApproved             Kind = "approved"
	KindRequiresConfirmation Kind = "requires_confirmation"
	KindDenied               Kind = "denied"
)

// Decision is the result of authorizing one call.
type Decision struct {
	Kind   Kind
	Reason string
}

func Approve() Decision { return Decision{Kind: KindApproved} }

func RequireConfirmation() Decision { return Decision{Kind: KindRequiresConfirmation} }

func Deny(reason string) Decision { return Decision{Kind: KindDenied, Reason: reason} }

func (d Decision) Approved() bool { return d.Kind == KindApproved }

func (d Decision) NeedsConfirmation() bool { return d.Kind == KindRequiresConfirmation }

func (d Decision) Denied() bool { return d.Kind == KindDenied }

// Denial reasons surfaced to the model and the user.
const (
	ReasonNotConfirmed       = "not confirmed"
	ReasonRateLimited        = "rate limited"
	ReasonLimiterUnavailable = "rate limiter unavailable"
	ReasonCascade            = "earlier call in this batch was not approved"
	ReasonEvaluatorFailed    = "guardrail evaluation failed"
)

// ConfirmationState is what the user answered for one pending request.
type ConfirmationState string

const (
	ConfirmationNone     ConfirmationState = ""
	ConfirmationGranted  ConfirmationState = "confirmed"
	ConfirmationDeclined ConfirmationState = "declined"
	ConfirmationExpired  ConfirmationState = "expired"
)

// ConversationContext is the per-session view the engine needs.
// Confirmations is keyed by CallRequest.ID and only covers the current turn.
// BatchBlocked is set by the orchestrator when cascading denial applies to
// the rest of a batch.
type ConversationContext struct {
	SessionID     string
	TurnID        string
	Confirmations map[string]ConfirmationState
	BatchBlocked  bool
}
