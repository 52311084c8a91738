package models

import jsoniter "github.com/json-iterator/go"

// UnifiedCommand is the framing for every websocket package in both
// directions: an action name plus a loosely-typed payload.
type UnifiedCommand struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func (c UnifiedCommand) Marshal() []byte {
	raw, _ := jsoniter.Marshal(c)
	return raw
}

func UnifiedCommandFromError(err error) UnifiedCommand {
	return UnifiedCommand{
		Action:  "error",
		Message: err.Error(),
	}
}
