// File: api/schemas/messages.go
package schemas

import (
	"encoding/json"
	"time"
)

// -- Message Type Schemas --

// MessageType identifies the kind of message carried by an Envelope.
// Handler lookup is exact-match only; legacy aliases are registered
// explicitly alongside their canonical counterparts, never fuzzy-matched.
type MessageType string

const (
	// Canonical inbound types.
	MsgAutomationRequest MessageType = "AutomationRequest"
	MsgPing              MessageType = "Ping"
	MsgRegistrationAck   MessageType = "RegistrationAck"
	MsgHeartbeatAck      MessageType = "HeartbeatAck"

	// Legacy camelCase aliases kept for older controllers.
	MsgAutomationRequestLegacy MessageType = "automationRequest"
	MsgPingLegacy              MessageType = "ping"
	MsgRegistrationAckLegacy   MessageType = "registrationAck"
	MsgHeartbeatAckLegacy      MessageType = "heartbeatAck"

	// Outbound types.
	MsgBridgeRegistered MessageType = "extensionRegistered"
	MsgHeartbeat        MessageType = "heartbeat"
)

// Envelope is the wire format for every message exchanged with the controller.
type Envelope struct {
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	EventID       string          `json:"eventId,omitempty"`
}

// ResponseStatus tags an outbound response as success or error.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseError   ResponseStatus = "error"
)

// SuccessResponse is the outbound shape for a completed request.
type SuccessResponse struct {
	CorrelationID string         `json:"correlationId"`
	Status        ResponseStatus `json:"status"`
	Data          interface{}    `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ErrorResponse is the outbound shape for a failed request. Extra fields are
// flattened into the top-level object when marshalled.
type ErrorResponse struct {
	CorrelationID string         `json:"correlationId"`
	Status        ResponseStatus `json:"status"`
	Error         string         `json:"error"`
	Timestamp     time.Time      `json:"timestamp"`
	Extra         map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra into the top-level response object. Reserved keys
// cannot be shadowed by Extra entries.
func (r ErrorResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 4+len(r.Extra))
	for k, v := range r.Extra {
		out[k] = v
	}
	out["correlationId"] = r.CorrelationID
	out["status"] = r.Status
	out["error"] = r.Error
	out["timestamp"] = r.Timestamp
	return json.Marshal(out)
}

// RegistrationPayload is sent once per (re)connect to identify this bridge
// instance and advertise its capabilities.
type RegistrationPayload struct {
	ID           string   `json:"extensionId"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// AutomationPayload is the inbound payload of an AutomationRequest message.
// TargetURL is optional; when empty the current page URL is validated instead.
type AutomationPayload struct {
	Text      string `json:"text"`
	TargetURL string `json:"url,omitempty"`
}

// PingPayload carries an arbitrary echo value.
type PingPayload struct {
	Echo json.RawMessage `json:"echo,omitempty"`
}
