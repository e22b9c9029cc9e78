package gateway

import "encoding/json"

// Inbound event names accepted over a live connection. Call signaling and
// status events are modeled; typing and message acknowledgments are
// pass-through relays.
const (
	EventStatusUpdate     = "status_update"
	EventStatusAck        = "status_ack"
	EventContactsRefresh  = "contacts:refresh"
	EventCallInitiate     = "call:initiate"
	EventCallAnswer       = "call:answer"
	EventCallReject       = "call:reject"
	EventCallEnd          = "call:end"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type statusUpdateRequest struct {
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Location json.RawMessage `json:"location,omitempty"`
}

type statusAckRequest struct {
	DeliveryID string `json:"delivery_id"`
}

type initiateRequest struct {
	To       string          `json:"to"`
	CallType string          `json:"call_type"`
	Offer    json.RawMessage `json:"offer"`
}

type answerRequest struct {
	CallID string          `json:"call_id"`
	Answer json.RawMessage `json:"answer"`
}

type callRefRequest struct {
	CallID string `json:"call_id"`
}

type relayRequest struct {
	To        string `json:"to,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// relayPayload is what a pass-through event looks like on the receiving side.
type relayPayload struct {
	From      string `json:"from"`
	MessageID string `json:"message_id,omitempty"`
}
