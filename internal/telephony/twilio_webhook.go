package telephony

import (
	"net/http"
	"strings"
)

const defaultCategory = "general"

// CallSetup is the call metadata the call-initiation API attaches to the
// voice webhook, as query parameters or form fields. Every field is optional.
//
// Ref: https://www.twilio.com/docs/voice/twiml
type CallSetup struct {
	// CallSid is set by Twilio on the voice webhook.
	CallSid string

	TargetName     string
	TargetPhone    string
	RequestSummary string
	Category       string
	CallerUserID   string
	ExtraData      string
}

// ParseCallSetup reads metadata from the query string and, for POST, the
// form body. A malformed body is reported but whatever parsed is still
// returned, so callers can degrade instead of failing.
func ParseCallSetup(r *http.Request) (CallSetup, error) {
	err := r.ParseForm()

	get := func(key string) string { return strings.TrimSpace(r.Form.Get(key)) }
	s := CallSetup{
		CallSid:        get("CallSid"),
		TargetName:     get("targetName"),
		TargetPhone:    get("targetPhone"),
		RequestSummary: get("requestSummary"),
		Category:       get("category"),
		CallerUserID:   get("callerUserId"),
		ExtraData:      get("extraData"),
	}
	if s.Category == "" {
		s.Category = defaultCategory
	}
	return s, err
}

// Params returns the stream parameters in a stable order. Empty fields are
// omitted; category is always present.
func (s CallSetup) Params() []StreamParam {
	all := []StreamParam{
		{"targetName", s.TargetName},
		{"targetPhone", s.TargetPhone},
		{"requestSummary", s.RequestSummary},
		{"category", s.Category},
		{"callerUserId", s.CallerUserID},
		{"extraData", s.ExtraData},
	}
	out := all[:0]
	for _, p := range all {
		if p.Value != "" {
			out = append(out, p)
		}
	}
	return out
}

// Context is the session context these parameters produce once decoded by
// the relay.
func (s CallSetup) Context() map[string]string {
	params := s.Params()
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Value
	}
	return out
}
