package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/url"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL    string           `xml:"url,attr"`
	Params []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// StreamParam is one <Parameter> handed to the media stream at start.
type StreamParam struct {
	Name  string
	Value string
}

const fallbackMessage = "We're sorry, we can't connect your call right now. Please try again later. Goodbye."

// fallbackTwiML is pre-rendered so the apology path cannot fail.
var fallbackTwiML = xml.Header + `<Response>
  <Say voice="alice">` + fallbackMessage + `</Say>
  <Hangup></Hangup>
</Response>`

// RenderConnectStream tells Twilio to open a bidirectional media stream to
// streamURL. Parameter values are query-escaped and arrive in the stream's
// start event as customParameters.
func RenderConnectStream(streamURL string, params []StreamParam) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil || u.Host == "" || (u.Scheme != "wss" && u.Scheme != "ws") {
		return "", errors.New("telephony: stream url must be an absolute ws(s) url")
	}

	s := twimlStream{URL: streamURL}
	for _, p := range params {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		s.Params = append(s.Params, twimlParameter{Name: name, Value: url.QueryEscape(p.Value)})
	}

	return render(twimlResponse{Verbs: []any{twimlConnect{Stream: s}}})
}

// RenderFallback speaks an apology and hangs up.
func RenderFallback() string { return fallbackTwiML }

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
