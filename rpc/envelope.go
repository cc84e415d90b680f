package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/persistkit/bus"
	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/persistent"
)

// Envelope wraps every request on the wire.
type Envelope struct {
	// ID correlates the request in logs on both sides.
	ID string `json:"id"`

	// Action is the lifecycle action of Body.
	Action persistent.Action `json:"action"`

	// SentAt is when the client sent the request.
	SentAt time.Time `json:"sent_at"`

	// Body is the JSON-encoded request value.
	Body json.RawMessage `json:"body"`
}

// Reply answers an Envelope. Exactly one of TaskID and Error is meaningful.
type Reply struct {
	TaskID persistent.TaskID `json:"task_id,omitempty"`
	Error  *errors.Error     `json:"error,omitempty"`
}

// Encode wraps req in a new envelope.
func Encode(req persistent.Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
			fmt.Sprintf("encode %s request", req.Action()))
	}
	return json.Marshal(Envelope{
		ID:     uuid.NewString(),
		Action: req.Action(),
		SentAt: time.Now().UTC(),
		Body:   body,
	})
}

// Decode parses an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode envelope")
	}
	if env.Action == "" {
		return nil, errors.InvalidInput("envelope without action")
	}
	return &env, nil
}

// Subjects maps actions to bus subjects under a common prefix.
//
// The five coordinator actions go to "<prefix>.<action>". Cancellations go
// to the node running the task, "<prefix>.tasks.cancel.<node>".
type Subjects struct {
	Prefix string
}

// For returns the subject of a coordinator action.
func (s Subjects) For(action persistent.Action) string {
	return s.Prefix + "." + string(action)
}

// Cancel returns the cancellation subject of node.
func (s Subjects) Cancel(node string) (string, error) {
	subject := s.For(persistent.ActionCancel) + "." + node
	if node == "" || strings.ContainsAny(node, ".*>") || bus.ValidateSubject(subject) != nil {
		return "", errors.InvalidInput(fmt.Sprintf("node id %q cannot be addressed", node))
	}
	return subject, nil
}

// Route returns the subject a request is sent to.
func (s Subjects) Route(req persistent.Request) (string, error) {
	if c, ok := req.(persistent.CancelTasksRequest); ok {
		return s.Cancel(c.Target.Node)
	}
	return s.For(req.Action()), nil
}
