package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeInbound_Start(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"callSid":"CA1","tracks":["inbound"],
		"customParameters":{"targetName":"Acme+Pizza"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	m, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Event != EventStart || m.Start.CallSid != "CA1" {
		t.Fatalf("unexpected start: %+v", m)
	}
	if m.Start.StreamSid != "MZ1" {
		t.Fatalf("expected streamSid from envelope, got %q", m.Start.StreamSid)
	}
	if m.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("unexpected media format %+v", m.Start.MediaFormat)
	}
}

func TestDecodeInbound_MediaPayload(t *testing.T) {
	m, err := DecodeInbound([]byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"/38="}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	audio, err := m.Media.Audio()
	if err != nil || len(audio) != 2 || audio[0] != 0xff {
		t.Fatalf("unexpected audio %v %v", audio, err)
	}

	bad := MediaPayload{Payload: "***"}
	if _, err := bad.Audio(); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestDecodeInbound_Malformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"event":"start","start":{}}`,
		`{"event":"media"}`,
	} {
		if _, err := DecodeInbound([]byte(raw)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%s: expected malformed error, got %v", raw, err)
		}
	}
}

func TestDecodeInbound_UnknownEventPasses(t *testing.T) {
	m, err := DecodeInbound([]byte(`{"event":"dtmf","dtmf":{"digit":"1"}}`))
	if err != nil || m.Event != "dtmf" {
		t.Fatalf("expected unknown event to decode, got %+v %v", m, err)
	}
}

func TestDecodeParameters(t *testing.T) {
	got := DecodeParameters(map[string]string{
		"targetName": "Acme+Pizza+%26+Co",
		"broken":     "100%zz",
	})
	if got["targetName"] != "Acme Pizza & Co" {
		t.Fatalf("unexpected decode %q", got["targetName"])
	}
	if got["broken"] != "100%zz" {
		t.Fatalf("expected raw value kept, got %q", got["broken"])
	}
}

func TestOutboundMessages(t *testing.T) {
	b, _ := json.Marshal(NewMediaMessage("MZ1", []byte{0xff, 0x7f}))
	if string(b) != `{"event":"media","streamSid":"MZ1","media":{"payload":"/38="}}` {
		t.Fatalf("unexpected media json %s", b)
	}
	b, _ = json.Marshal(NewClearMessage("MZ1"))
	if string(b) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("unexpected clear json %s", b)
	}
}
