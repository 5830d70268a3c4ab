// Package wire implements the Jupyter messaging wire protocol: message
// types, connection files, and the multipart frame codec with HMAC
// signatures.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version stamped on outbound headers.
const ProtocolVersion = "5.3"

// Message types used by the session engine.
const (
	ExecuteRequest    = "execute_request"
	ExecuteReply      = "execute_reply"
	KernelInfoRequest = "kernel_info_request"
	KernelInfoReply   = "kernel_info_reply"
	InspectRequest    = "inspect_request"
	InspectReply      = "inspect_reply"
	CompleteRequest   = "complete_request"
	CompleteReply     = "complete_reply"
	IsCompleteRequest = "is_complete_request"
	IsCompleteReply   = "is_complete_reply"
	HistoryRequest    = "history_request"
	HistoryReply      = "history_reply"
	CommInfoRequest   = "comm_info_request"
	CommInfoReply     = "comm_info_reply"
	ShutdownRequest   = "shutdown_request"
	ShutdownReply     = "shutdown_reply"
	InterruptRequest  = "interrupt_request"
	InterruptReply    = "interrupt_reply"
	DebugRequest      = "debug_request"
	DebugReply        = "debug_reply"

	Status            = "status"
	Stream            = "stream"
	DisplayData       = "display_data"
	UpdateDisplayData = "update_display_data"
	ExecuteInput      = "execute_input"
	ExecuteResult     = "execute_result"
	Error             = "error"
	ClearOutput       = "clear_output"

	CommOpen  = "comm_open"
	CommMsg   = "comm_msg"
	CommClose = "comm_close"

	InputRequest = "input_request"
	InputReply   = "input_reply"
)

// Header is the header (and parent header) of a Jupyter message.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is one logical unit exchanged with a kernel. Channel is not part of
// the wire format; it records which socket the message travels on.
type Message struct {
	Header       Header
	ParentHeader *Header
	Metadata     map[string]any
	Content      map[string]any
	Buffers      [][]byte
	Channel      Channel
}

// NewMessage builds an outbound message with a fresh message id.
func NewMessage(channel Channel, msgType, session, username string, content map[string]any) *Message {
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Username: username,
			Session:  session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  channel,
	}
}

// Type returns the header message type.
func (m *Message) Type() string { return m.Header.MsgType }

// ParentMsgID returns the parent message id, or "" when there is no parent.
func (m *Message) ParentMsgID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MsgID
}

// SetParent marks m as a reply or follow-up to parent.
func (m *Message) SetParent(parent *Message) {
	h := parent.Header
	m.ParentHeader = &h
}

// ContentString returns a string field of the content, or "".
func (m *Message) ContentString(key string) string {
	s, _ := m.Content[key].(string)
	return s
}
