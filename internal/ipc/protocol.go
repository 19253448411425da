// Package ipc provides the query socket between the modalityd daemon and
// its clients.
//
// Messages are framed with a fixed 16-byte header followed by a JSON
// payload. Requests carry a request ID that the response echoes, so a
// client may pipeline requests over one connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4D495043 // "MIPC"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 4 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Interaction queries (0x02xx)
	MsgLastInteraction     MessageType = 0x0200
	MsgLastInteractionResp MessageType = 0x0201
	MsgUserInvoked         MessageType = 0x0202
	MsgUserInvokedResp     MessageType = 0x0203
	MsgHistory             MessageType = 0x0204
	MsgHistoryResp         MessageType = 0x0205

	// Metrics (0x03xx)
	MsgMetrics     MessageType = 0x0300
	MsgMetricsResp MessageType = 0x0301

	// Event streaming (0x05xx)
	MsgSubscribe     MessageType = 0x0500
	MsgSubscribeResp MessageType = 0x0501
	MsgUnsubscribe   MessageType = 0x0502
	MsgEvent         MessageType = 0x0504
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	case MsgError:
		return "error"
	case MsgStatusRequest:
		return "status"
	case MsgLastInteraction:
		return "last_interaction"
	case MsgUserInvoked:
		return "user_invoked"
	case MsgHistory:
		return "history"
	case MsgMetrics:
		return "metrics"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgEvent:
		return "event"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message as a single buffer so concurrent writers
// serialized by a mutex never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))

	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.Magic)
	buf = append(buf, m.Header.Version, m.Header.Flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Header.Type))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, m.Header.Length)
	buf = append(buf, m.Payload...)

	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	PeerID          string `json:"peer_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnavailable      = 6
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version         string        `json:"version"`
	StartedAt       time.Time     `json:"started_at"`
	UptimeMs        int64         `json:"uptime_ms"`
	SessionID       string        `json:"session_id,omitempty"`
	Tracking        bool          `json:"tracking"`
	Buffering       bool          `json:"buffering"`
	BufferWindowMs  int64         `json:"buffer_window_ms"`
	DefaultDelayMs  int64         `json:"default_delay_ms"`
	Subscribed      []string      `json:"subscribed"`
	Features        FeatureStatus `json:"features"`
	Devices         []DeviceInfo  `json:"devices,omitempty"`
	Journal         JournalStatus `json:"journal"`
	EventsDelivered uint64        `json:"events_delivered"`

	Health     string            `json:"health"`
	Components map[string]string `json:"components,omitempty"`
}

// FeatureStatus reports the capabilities the tracker started with.
type FeatureStatus struct {
	Touch               bool `json:"touch"`
	PointerEvents       bool `json:"pointer_events"`
	LegacyPointerEvents bool `json:"legacy_pointer_events"`
}

// DeviceInfo describes an attached input device.
type DeviceInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// JournalStatus contains journal health info
type JournalStatus struct {
	Enabled       bool   `json:"enabled"`
	Type          string `json:"type"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Pending       int    `json:"pending"`
}

// LastInteractionResponse reports the most recent classified interaction.
type LastInteractionResponse struct {
	Known     bool      `json:"known"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	AgeMs     int64     `json:"age_ms,omitempty"`
	Buffering bool      `json:"buffering"`
}

// UserInvokedRequest asks whether an interaction happened within a delay.
// A nil DelayMs uses the daemon's default.
type UserInvokedRequest struct {
	DelayMs *int64 `json:"delay_ms,omitempty"`
}

// Validate rejects negative delays.
func (r UserInvokedRequest) Validate() error {
	if r.DelayMs != nil && *r.DelayMs < 0 {
		return fmt.Errorf("delay_ms must not be negative: %d", *r.DelayMs)
	}
	return nil
}

// UserInvokedResponse answers a UserInvokedRequest.
type UserInvokedResponse struct {
	UserInvoked bool   `json:"user_invoked"`
	DelayMs     int64  `json:"delay_ms"`
	Type        string `json:"type,omitempty"`
}

// HistoryRequest requests journaled transitions.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// InteractionRecord is one journaled transition.
type InteractionRecord struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	EventName string    `json:"event_name"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse contains journaled transitions, newest first, and the
// per-type counts for the current session.
type HistoryResponse struct {
	Interactions []InteractionRecord `json:"interactions"`
	Counts       map[string]int64    `json:"counts"`
}

// MetricsResponse contains a metrics snapshot keyed by series.
type MetricsResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// InteractionEvent is streamed to subscribers on each modality transition.
type InteractionEvent struct {
	Type      string    `json:"type"`
	EventName string    `json:"event_name"`
	Timestamp time.Time `json:"timestamp"`
	Buffering bool      `json:"buffering"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v unchanged.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
