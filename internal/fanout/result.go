package fanout

import (
	"fmt"
	"time"
)

// EnvelopeType is the "type" field of the chat response body.
const EnvelopeType = "multi_model"

// ResponderError is a captured responder failure. Its Error text keeps the
// "Error (<label>): <cause>" form clients use to spot degraded entries.
type ResponderError struct {
	Responder string
	Label     string
	Cause     error
	Timeout   bool
}

func (e *ResponderError) Error() string {
	return fmt.Sprintf("Error (%s): %v", e.Label, e.Cause)
}

func (e *ResponderError) Unwrap() error {
	return e.Cause
}

// Outcome holds either Text or Err for one responder.
type Outcome struct {
	Responder string
	Text      string
	Err       *ResponderError
	Elapsed   time.Duration
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Display returns the reply text, or the tagged error string for a failure.
func (o Outcome) Display() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return o.Text
}

// ResponseSet has exactly one outcome per configured responder, in
// configuration order.
type ResponseSet struct {
	Prompt   string
	Outcomes []Outcome
	Elapsed  time.Duration
}

func (s ResponseSet) Len() int {
	return len(s.Outcomes)
}

func (s ResponseSet) Get(name string) (Outcome, bool) {
	for _, o := range s.Outcomes {
		if o.Responder == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failed lists the names of responders whose outcome is an error.
func (s ResponseSet) Failed() []string {
	out := make([]string, 0)
	for _, o := range s.Outcomes {
		if !o.OK() {
			out = append(out, o.Responder)
		}
	}
	return out
}

// Texts maps every responder name to its display string.
func (s ResponseSet) Texts() map[string]string {
	out := make(map[string]string, len(s.Outcomes))
	for _, o := range s.Outcomes {
		out[o.Responder] = o.Display()
	}
	return out
}

// Envelope is the JSON body returned by the chat endpoint.
type Envelope struct {
	Type      string                   `json:"type"`
	Responses map[string]string        `json:"responses"`
	Errors    map[string]EnvelopeError `json:"errors,omitempty"`
}

type EnvelopeError struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
	Timeout  bool   `json:"timeout,omitempty"`
}

// Envelope renders the set in the chat endpoint's wire shape. Responses keeps
// a string for every responder; Errors names only the failed ones.
func (s ResponseSet) Envelope() Envelope {
	env := Envelope{Type: EnvelopeType, Responses: s.Texts()}
	for _, o := range s.Outcomes {
		if o.OK() {
			continue
		}
		if env.Errors == nil {
			env.Errors = make(map[string]EnvelopeError)
		}
		env.Errors[o.Responder] = EnvelopeError{
			Provider: o.Err.Label,
			Message:  o.Err.Cause.Error(),
			Timeout:  o.Err.Timeout,
		}
	}
	return env
}
