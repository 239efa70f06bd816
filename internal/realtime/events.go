package realtime

import "encoding/json"

// Client event types.
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeResponseCreate         = "response.create"
)

// Server event types the bridge reacts to. Others are delivered untouched.
const (
	EventTypeError                       = "error"
	EventTypeSessionCreated              = "session.created"
	EventTypeSessionUpdated              = "session.updated"
	EventTypeSpeechStarted               = "input_audio_buffer.speech_started"
	EventTypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTypeResponseAudioDelta          = "response.audio.delta"
	EventTypeResponseAudioTranscriptDone = "response.audio_transcript.done"
	EventTypeResponseDone                = "response.done"
)

// Audio formats. Twilio Media Streams carry 8 kHz G.711 mu-law, which the
// service accepts natively on both legs.
const (
	AudioFormatPCM16    = "pcm16"
	AudioFormatG711ULaw = "g711_ulaw"
	AudioFormatG711ALaw = "g711_alaw"
)

const (
	TurnDetectionServerVAD = "server_vad"
	TranscriptionWhisper1  = "whisper-1"
	DefaultModel           = "gpt-4o-realtime-preview"
	DefaultURL             = "wss://api.openai.com/v1/realtime"
)

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type clientEvent struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Session *SessionConfig `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

// ServerEvent is one message received from the service.
type ServerEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// Delta is base64 audio for response.audio.delta.
	Delta string `json:"delta,omitempty"`

	// Transcript is set on transcription and audio_transcript events.
	Transcript string `json:"transcript,omitempty"`

	// Error is set on "error" events.
	Error *Error `json:"error,omitempty"`

	// Audio is Delta decoded, populated for response.audio.delta.
	Audio []byte `json:"-"`

	Raw json.RawMessage `json:"-"`
}
