package domain

import (
	"encoding/json"
	"errors"
)

// Chat events are relayed to the receiver and never stored. The inbound name
// maps to the name the receiver sees.
var chatEvents = map[EventName]EventName{
	"sendMessage":   "newMessage",
	"updateMessage": "messageUpdated",
	"deleteMessage": "messageDeleted",
	"readMessages":  "messagesRead",
	"typing":        "typing",
	"createContact": "contactCreated",
}

// ChatEventFor reports the outbound name of a chat relay event.
func ChatEventFor(in EventName) (EventName, bool) {
	out, ok := chatEvents[in]
	return out, ok
}

type ChatMessage struct {
	Sender   Participant     `json:"sender"`
	Receiver *Participant    `json:"receiver,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (m ChatMessage) Validate() error {
	if m.Receiver == nil || m.Receiver.ID == "" {
		return errors.New("chat message has no receiver")
	}
	return nil
}
