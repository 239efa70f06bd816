package realtime

import "fmt"

// Error is a failure reported by the realtime service, either as a failed
// handshake or as a server "error" event.
type Error struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`

	// HTTPStatus is set only for handshake failures.
	HTTPStatus int `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.HTTPStatus != 0:
		return fmt.Sprintf("realtime: handshake failed with status %d: %s", e.HTTPStatus, e.Message)
	case e.Code != "":
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	case e.Type != "":
		return fmt.Sprintf("realtime: %s: %s", e.Type, e.Message)
	default:
		return "realtime: " + e.Message
	}
}
