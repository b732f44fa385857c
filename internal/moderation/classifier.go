package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable means no verdict could be produced. Callers must not treat
// it as a verdict.
var ErrUnavailable = errors.New("moderation: classifier unavailable")

// Classifier screens a text message on behalf of userID.
type Classifier interface {
	Classify(ctx context.Context, userID, text string) (Verdict, error)
}

// Local runs the keyword filter in-process.
type Local struct {
	filter *Filter
}

// NewLocal wraps f. A nil f uses the default blocklist.
func NewLocal(f *Filter) *Local {
	if f == nil {
		f = NewFilter()
	}
	return &Local{filter: f}
}

func (l *Local) Classify(_ context.Context, _ string, text string) (Verdict, error) {
	return l.filter.Check(text), nil
}

// Requester is the request/reply half of messaging.NATSClient.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Remote asks the moderator service over moderation.check.
type Remote struct {
	bus     Requester
	subject string
	timeout time.Duration
}

// NewRemote creates a Remote classifier. Each request is bounded by timeout.
func NewRemote(bus Requester, subject string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Remote{bus: bus, subject: subject, timeout: timeout}
}

func (r *Remote) Classify(ctx context.Context, userID, text string) (Verdict, error) {
	req, err := json.Marshal(CheckRequest{UserID: userID, Text: text, Ts: time.Now().UnixMilli()})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.bus.Request(ctx, r.subject, req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeResponse(data)
}

func decodeResponse(data []byte) (Verdict, error) {
	var resp CheckResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Verdict{}, fmt.Errorf("%w: bad response: %v", ErrUnavailable, err)
	}
	if resp.Error != "" {
		return Verdict{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Error)
	}
	action, ok := ParseAction(resp.Action)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: unknown action %q", ErrUnavailable, resp.Action)
	}
	return Verdict{Action: action, Reason: resp.Reason, Term: resp.Term, Note: resp.Note}, nil
}

// OutcomeInvalid is the Serve outcome for a request that did not decode.
const OutcomeInvalid = "invalid"

// Serve answers one encoded CheckRequest with f. It is the moderator
// service's request handler. outcome is the verdict's action name, or
// OutcomeInvalid.
func Serve(f *Filter, data []byte) (reply []byte, outcome string) {
	var req CheckRequest
	var resp CheckResponse
	if err := json.Unmarshal(data, &req); err != nil {
		resp = CheckResponse{Error: "invalid request"}
		outcome = OutcomeInvalid
	} else {
		v := f.Check(req.Text)
		resp = NewCheckResponse(v)
		outcome = v.Action.String()
	}
	reply, _ = json.Marshal(resp)
	return reply, outcome
}
