package mesh

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes requests from responses on the wire.
type MessageType string

const (
	// MessageTypeRequest marks an envelope that expects a correlated response.
	MessageTypeRequest MessageType = "request"

	// MessageTypeResponse marks an envelope answering a prior request.
	MessageTypeResponse MessageType = "response"
)

// Well-known actions handled by the coordinator itself.
const (
	// ActionHeartbeat is the periodic liveness probe; it is answered
	// automatically and never reaches user handlers.
	ActionHeartbeat = "heartbeat"

	// ActionNetworkSearch is the UDP discovery announcement.
	ActionNetworkSearch = "NETWORK_SEARCH"
)

// Structured result/error codes carried on response envelopes.
const (
	ResultOK     = 0
	ResultFailed = -1

	ErrorCodeHandlerFailed = 500
	ErrorCodeUnknownAction = 404
)

// Envelope is the JSON message unit exchanged over a peer WebSocket link,
// either a request or a response. Responses reference the request's UUID.
type Envelope struct {
	Action           string          `json:"action"`
	MsgType          MessageType     `json:"msgType"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RequestUUID      string          `json:"requestUUID"`
	RequestDateTime  string          `json:"requestDateTime,omitempty"`
	ResponseDateTime string          `json:"responseDateTime,omitempty"`
	Result           *int            `json:"result,omitempty"`
	ResultMsg        string          `json:"resultMsg,omitempty"`
	Error            *int            `json:"error,omitempty"`
	ErrorMsg         string          `json:"errorMsg,omitempty"`
}

// IsRequest reports whether the envelope expects a correlated response.
func (e *Envelope) IsRequest() bool {
	return e.MsgType == MessageTypeRequest
}

// NewRequest builds a request envelope with a fresh UUID and timestamp.
func NewRequest(action string, payload json.RawMessage) *Envelope {
	return &Envelope{
		Action:          action,
		MsgType:         MessageTypeRequest,
		Payload:         payload,
		RequestUUID:     uuid.NewString(),
		RequestDateTime: time.Now().Format(time.RFC3339),
	}
}

// NewResponse builds a response envelope referencing the original request.
func NewResponse(original *Envelope, payload json.RawMessage, result int, resultMsg string, errCode *int, errMsg string) *Envelope {
	return &Envelope{
		Action:           original.Action,
		MsgType:          MessageTypeResponse,
		Payload:          payload,
		RequestUUID:      original.RequestUUID,
		RequestDateTime:  original.RequestDateTime,
		ResponseDateTime: time.Now().Format(time.RFC3339),
		Result:           &result,
		ResultMsg:        resultMsg,
		Error:            errCode,
		ErrorMsg:         errMsg,
	}
}

// DiscoveryPacket is the JSON announcement broadcast over UDP.
type DiscoveryPacket struct {
	Action      string `json:"action"`
	Source      string `json:"source"`
	Key         string `json:"key"`
	ReqDateTime string `json:"reqDateTime"`
	WSPort      int    `json:"wsPort"`
	WSPath      string `json:"wsPath"`
}

// Validate checks that all required discovery fields are present.
func (p *DiscoveryPacket) Validate() error {
	if p.Action != ActionNetworkSearch {
		return ErrInvalidPacket
	}
	if p.Source == "" || p.Key == "" || p.ReqDateTime == "" {
		return ErrInvalidPacket
	}
	return nil
}
