package telephony

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"voicebridge/internal/calls"

	"github.com/gin-gonic/gin"
)

type recordingSessions struct {
	mu    sync.Mutex
	calls map[string]calls.Patch
	panic bool
}

func (r *recordingSessions) Upsert(callID string, p calls.Patch) calls.CallSession {
	if r.panic {
		panic("store exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]calls.Patch{}
	}
	r.calls[callID] = p
	return calls.CallSession{CallID: callID}
}

func newSetupRouter(h CallSetupHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Match([]string{http.MethodGet, http.MethodPost}, "/voice/twiml", h.Handle)
	return r
}

func streamURLOf(t *testing.T, body string) string {
	t.Helper()
	var doc struct {
		Connect struct {
			Stream struct {
				URL string `xml:"url,attr"`
			} `xml:"Stream"`
		} `xml:"Connect"`
	}
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("invalid twiml: %v\n%s", err, body)
	}
	return doc.Connect.Stream.URL
}

func TestCallSetupHandler_EmptyMetadataStillAnswers(t *testing.T) {
	r := newSetupRouter(CallSetupHandler{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/voice/twiml", nil)
	req.Host = "voice.example.com"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := streamURLOf(t, w.Body.String()); got != "ws://voice.example.com/voice/stream" {
		t.Fatalf("unexpected stream url %q", got)
	}
	if !strings.Contains(w.Body.String(), `name="category" value="general"`) {
		t.Fatalf("expected default category param: %s", w.Body.String())
	}
}

func TestCallSetupHandler_UsesForwardedProto(t *testing.T) {
	r := newSetupRouter(CallSetupHandler{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/voice/twiml", nil)
	req.Host = "internal:8080"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "voice.example.com, proxy.local")
	r.ServeHTTP(w, req)

	if got := streamURLOf(t, w.Body.String()); got != "wss://voice.example.com/voice/stream" {
		t.Fatalf("unexpected stream url %q", got)
	}
}

func TestCallSetupHandler_PublicBaseURLAndPrecreate(t *testing.T) {
	store := &recordingSessions{}
	r := newSetupRouter(CallSetupHandler{PublicBaseURL: "https://voice.example.com/base/", Sessions: store})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/voice/twiml?CallSid=CA1&targetName=Acme", nil)
	r.ServeHTTP(w, req)

	if got := streamURLOf(t, w.Body.String()); got != "wss://voice.example.com/base/voice/stream" {
		t.Fatalf("unexpected stream url %q", got)
	}
	p, ok := store.calls["CA1"]
	if !ok || p.Context["targetName"] != "Acme" || p.Status != nil {
		t.Fatalf("expected pending pre-create with context, got %+v", store.calls)
	}
}

func TestCallSetupHandler_FallbackOnFailure(t *testing.T) {
	cases := map[string]CallSetupHandler{
		"bad base url": {PublicBaseURL: "ftp://voice.example.com"},
		"panic":        {Sessions: &recordingSessions{panic: true}},
	}
	for name, h := range cases {
		r := newSetupRouter(h)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/voice/twiml?CallSid=CA1", nil)
		req.Host = "voice.example.com"
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, w.Code)
		}
		if w.Body.String() != RenderFallback() {
			t.Fatalf("%s: expected fallback document, got %s", name, w.Body.String())
		}
	}
}
