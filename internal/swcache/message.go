package swcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Command int

const (
	CommandUnknown Command = iota
	CommandSkipWaiting
	CommandReload
)

func (c Command) String() string {
	switch c {
	case CommandSkipWaiting:
		return "skipWaiting"
	case CommandReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Message travels between pages and the worker. Exactly one form is set:
// a bare string ("skipWaiting", "reload") or a structured object
// ({"type": "SKIP_WAITING"}). Both forms are accepted everywhere.
type Message struct {
	Bare       string
	Structured *StructuredMessage
}

type StructuredMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func Bare(cmd string) Message { return Message{Bare: cmd} }

func Structured(typ string) Message {
	return Message{Structured: &StructuredMessage{Type: typ}}
}

var (
	ReloadMessage      = Bare("reload")
	SkipWaitingMessage = Bare("skipWaiting")
)

// Command normalizes either form to one command.
func (m Message) Command() Command {
	name := m.Bare
	if m.Structured != nil {
		name = m.Structured.Type
	}
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "")) {
	case "skipwaiting":
		return CommandSkipWaiting
	case "reload":
		return CommandReload
	default:
		return CommandUnknown
	}
}

func (m Message) String() string {
	if m.Structured != nil {
		return fmt.Sprintf("{type:%s}", m.Structured.Type)
	}
	return m.Bare
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Structured != nil {
		return json.Marshal(m.Structured)
	}
	return json.Marshal(m.Bare)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var sm StructuredMessage
		if err := json.Unmarshal(b, &sm); err != nil {
			return err
		}
		*m = Message{Structured: &sm}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*m = Message{Bare: s}
	return nil
}

// ParseMessage accepts a JSON object, a JSON string, or raw text.
func ParseMessage(b []byte) (Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	if b[0] == '{' || b[0] == '"' {
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		return m, nil
	}
	return Bare(string(b)), nil
}
