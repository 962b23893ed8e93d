package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KindProgress        = "progress"
	KindError           = "error"
	KindErrorAndHoldFor = "error-and-hold-for"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is one report from a plugin to the daemon. Which fields are
// meaningful depends on Kind.
type Message struct {
	Kind     string
	Progress int    // progress: 0..100
	Seconds  int    // error-and-hold-for: hold duration, > 0
	ExcInfo  string // error, error-and-hold-for
}

func Progress(p int) Message { return Message{Kind: KindProgress, Progress: p} }

func Error(excInfo string) Message { return Message{Kind: KindError, ExcInfo: excInfo} }

func ErrorAndHoldFor(seconds int, excInfo string) Message {
	return Message{Kind: KindErrorAndHoldFor, Seconds: seconds, ExcInfo: excInfo}
}

// IsError reports whether m is one of the two error kinds.
func (m Message) IsError() bool {
	return m.Kind == KindError || m.Kind == KindErrorAndHoldFor
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindProgress:
		if m.Progress < 0 || m.Progress > 100 {
			return fmt.Errorf("%w: progress %d out of range", ErrInvalidMessage, m.Progress)
		}
	case KindError:
	case KindErrorAndHoldFor:
		if m.Seconds <= 0 {
			return fmt.Errorf("%w: hold seconds must be positive, got %d", ErrInvalidMessage, m.Seconds)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

type progressWire struct {
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

type errorWire struct {
	Message string `json:"message"`
	ExcInfo string `json:"exc_info"`
}

type holdWire struct {
	Message string `json:"message"`
	Seconds int    `json:"seconds"`
	ExcInfo string `json:"exc_info"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindProgress:
		return json.Marshal(progressWire{m.Kind, m.Progress})
	case KindError:
		return json.Marshal(errorWire{m.Kind, m.ExcInfo})
	case KindErrorAndHoldFor:
		return json.Marshal(holdWire{m.Kind, m.Seconds, m.ExcInfo})
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w struct {
		Message  *string `json:"message"`
		Progress *int    `json:"progress"`
		Seconds  *int    `json:"seconds"`
		ExcInfo  *string `json:"exc_info"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Message == nil {
		return fmt.Errorf("%w: missing message field", ErrInvalidMessage)
	}
	out := Message{Kind: *w.Message}
	switch out.Kind {
	case KindProgress:
		if w.Progress == nil {
			return fmt.Errorf("%w: progress message without progress", ErrInvalidMessage)
		}
		out.Progress = *w.Progress
	case KindErrorAndHoldFor:
		if w.Seconds == nil {
			return fmt.Errorf("%w: hold message without seconds", ErrInvalidMessage)
		}
		out.Seconds = *w.Seconds
		fallthrough
	case KindError:
		if w.ExcInfo != nil {
			out.ExcInfo = *w.ExcInfo
		}
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*m = out
	return nil
}
