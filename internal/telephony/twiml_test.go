package telephony

import (
	"encoding/xml"
	"net/url"
	"strings"
	"testing"
)

func TestRenderConnectStream(t *testing.T) {
	out, err := RenderConnectStream("wss://voice.example.com/voice/stream", []StreamParam{
		{Name: "targetName", Value: "Acme Pizza & Co"},
		{Name: "category", Value: "food"},
		{Name: " ", Value: "dropped"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var doc struct {
		Connect struct {
			Stream struct {
				URL    string `xml:"url,attr"`
				Params []struct {
					Name  string `xml:"name,attr"`
					Value string `xml:"value,attr"`
				} `xml:"Parameter"`
			} `xml:"Stream"`
		} `xml:"Connect"`
	}
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("invalid xml: %v\n%s", err, out)
	}
	s := doc.Connect.Stream
	if s.URL != "wss://voice.example.com/voice/stream" {
		t.Fatalf("unexpected url %q", s.URL)
	}
	if len(s.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(s.Params))
	}
	if s.Params[0].Value != url.QueryEscape("Acme Pizza & Co") {
		t.Fatalf("expected escaped value, got %q", s.Params[0].Value)
	}
	if dec, _ := url.QueryUnescape(s.Params[0].Value); dec != "Acme Pizza & Co" {
		t.Fatalf("round trip failed: %q", dec)
	}
}

func TestRenderConnectStreamRequiresWebSocketURL(t *testing.T) {
	for _, u := range []string{"", "/voice/stream", "https://voice.example.com/voice/stream"} {
		if _, err := RenderConnectStream(u, nil); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}

func TestRenderFallback(t *testing.T) {
	out := RenderFallback()
	var doc struct {
		Say    string    `xml:"Say"`
		Hangup *struct{} `xml:"Hangup"`
	}
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("fallback is not valid xml: %v", err)
	}
	if !strings.Contains(doc.Say, "sorry") || doc.Hangup == nil {
		t.Fatalf("expected apology and hangup, got %s", out)
	}
}
