// Package ipc carries commands and state between keylockd and its clients
// (keylockctl, the panel, scripts) over a Unix domain socket.
//
// Every message is a fixed 16-byte header followed by a JSON payload.
// Requests and responses are correlated by request id; state changes are
// pushed to subscribed clients as MsgEvent messages.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keylock/internal/chord"
	"keylock/internal/coordinator"
	"keylock/internal/history"
	"keylock/internal/input"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B4C434B // "KLCK"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// State (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Lock control (0x02xx)
	MsgLock       MessageType = 0x0200
	MsgLockResp   MessageType = 0x0201
	MsgUnlock     MessageType = 0x0202
	MsgUnlockResp MessageType = 0x0203

	// Devices (0x03xx)
	MsgListDevices     MessageType = 0x0300
	MsgListDevicesResp MessageType = 0x0301
	MsgSelect          MessageType = 0x0302
	MsgSelectResp      MessageType = 0x0303
	MsgRescan          MessageType = 0x0304
	MsgRescanResp      MessageType = 0x0305

	// Configuration (0x04xx)
	MsgSetUnlockKey     MessageType = 0x0400
	MsgSetUnlockKeyResp MessageType = 0x0401

	// History (0x05xx)
	MsgGetHistory     MessageType = 0x0500
	MsgGetHistoryResp MessageType = 0x0501

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604
)

var messageNames = map[MessageType]string{
	MsgPing:             "ping",
	MsgPong:             "pong",
	MsgHandshake:        "handshake",
	MsgHandshakeAck:     "handshake_ack",
	MsgError:            "error",
	MsgStatusRequest:    "status",
	MsgStatusResponse:   "status_resp",
	MsgLock:             "lock",
	MsgLockResp:         "lock_resp",
	MsgUnlock:           "unlock",
	MsgUnlockResp:       "unlock_resp",
	MsgListDevices:      "list_devices",
	MsgListDevicesResp:  "list_devices_resp",
	MsgSelect:           "select",
	MsgSelectResp:       "select_resp",
	MsgRescan:           "rescan",
	MsgRescanResp:       "rescan_resp",
	MsgSetUnlockKey:     "set_unlock_key",
	MsgSetUnlockKeyResp: "set_unlock_key_resp",
	MsgGetHistory:       "history",
	MsgGetHistoryResp:   "history_resp",
	MsgSubscribe:        "subscribe",
	MsgSubscribeResp:    "subscribe_resp",
	MsgUnsubscribe:      "unsubscribe",
	MsgUnsubscribeResp:  "unsubscribe_resp",
	MsgEvent:            "event",
}

func (t MessageType) String() string {
	if n, ok := messageNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(t))
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

// MaxPayload bounds a single message body.
const MaxPayload = 1 << 20

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

// Write writes the message to a writer in a single call.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	buf[5] = m.Header.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(buf[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], m.Header.Length)
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
		if h.Length > MaxPayload {
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

// HandshakeRequest opens a client session.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges a client.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	CodeUnknown          = 1
	CodeInvalidRequest   = 2
	CodePermissionDenied = 3
	CodeInternal         = 4
	CodeAlreadyLocked    = 5
	CodeNotLocked        = 6
	CodeNoDevice         = 7
	CodeUnknownDevice    = 8
	CodeUnavailable      = 9
	CodeShuttingDown     = 10
)

// StatusResponse carries the daemon state.
type StatusResponse struct {
	State     coordinator.Snapshot `json:"state"`
	Version   string               `json:"version"`
	StartedAt time.Time            `json:"started_at"`
}

// LockRequest starts a session. An empty Device means the selection.
type LockRequest struct {
	Device string `json:"device,omitempty"`
}

// StateResponse is returned by commands that change state.
type StateResponse struct {
	State coordinator.Snapshot `json:"state"`
}

// SelectRequest changes the selected device.
type SelectRequest struct {
	Device string `json:"device"`
}

// DevicesResponse lists the current keyboards.
type DevicesResponse struct {
	Devices  []input.DeviceInfo `json:"devices"`
	Selected string             `json:"selected,omitempty"`
}

// SetUnlockKeyRequest changes the unlock letter.
type SetUnlockKeyRequest struct {
	Key string `json:"key"`
}

// SetUnlockKeyResponse reports the chord now in effect. Fallback is set
// when the requested key was not a letter and the default was used.
type SetUnlockKeyResponse struct {
	Unlock   chord.Chord `json:"unlock"`
	Display  string      `json:"display"`
	Fallback bool        `json:"fallback,omitempty"`
}

// HistoryRequest asks for recent sessions. Limit zero means all retained.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse lists sessions, newest first.
type HistoryResponse struct {
	Sessions []history.Record `json:"sessions"`
}

// SubscribeRequest selects event kinds by name. Empty means all.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a pushed state change.
type Event struct {
	Kind      string               `json:"kind"`
	Timestamp time.Time            `json:"timestamp"`
	State     coordinator.Snapshot `json:"state"`
	Session   *SessionEvent        `json:"session,omitempty"`
}

// SessionEvent describes the session an event is about.
type SessionEvent struct {
	ID        uint64    `json:"id"`
	Device    string    `json:"device"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// EventFrom converts a coordinator event to its wire form.
func EventFrom(ev coordinator.Event) *Event {
	out := &Event{
		Kind:      ev.Kind.String(),
		Timestamp: time.Now(),
		State:     ev.Snapshot,
	}
	if s := ev.Session; s != nil {
		se := &SessionEvent{
			ID:        s.ID,
			Device:    s.Device,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
		}
		if ev.Kind != coordinator.EventLocked {
			se.Reason = s.Reason.String()
		}
		if s.Err != nil {
			se.Error = s.Err.Error()
		}
		out.Session = se
	}
	return out
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v as is.
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
