package moderation

// Action is the outcome of screening one text message.
type Action int

const (
	Allow Action = iota
	// SoftWarn delivers the message and cautions the sender.
	SoftWarn
	// Block drops the message and counts a strike against the sender.
	Block
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case SoftWarn:
		return "soft_warn"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Verdict reasons.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// Verdict is a moderation decision. Term is the matched term or spam check;
// Note is an optional caution for the sender.
type Verdict struct {
	Action Action
	Reason string
	Term   string
	Note   string
}

// CheckRequest is sent on moderation.check by engines that screen remotely.
type CheckRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// CheckResponse is the moderator's reply. Error is set when the moderator
// could not produce a verdict.
type CheckResponse struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Term   string `json:"term,omitempty"`
	Note   string `json:"note,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewCheckResponse encodes v for the wire.
func NewCheckResponse(v Verdict) CheckResponse {
	return CheckResponse{
		Action: v.Action.String(),
		Reason: v.Reason,
		Term:   v.Term,
		Note:   v.Note,
	}
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "allow":
		return Allow, true
	case "soft_warn":
		return SoftWarn, true
	case "block":
		return Block, true
	}
	return Allow, false
}
