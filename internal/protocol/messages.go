// Package protocol defines the JSON wire format exchanged between a
// client and the connection supervisor: one object per frame, a tagged
// union keyed by a top-level "type" string with its payload nested under
// "data", mirroring the envelope the rest of the corpus emits for typed
// event streams.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the wire shape of a single edit, carrying enough intent
// for OT-based cursor rebasing without exposing the CRDT's internal
// per-character identities.
type Operation struct {
	Kind        string `json:"type"` // "insert" | "delete" | "retain"
	Position    uint32 `json:"position"`
	UserID      string `json:"userId"`
	Content     string `json:"content,omitempty"`
	Length      uint32 `json:"length,omitempty"`
	OperationID string `json:"operationId"`
	Timestamp   string `json:"timestamp"`
}

// Cursor is the wire shape of a lone caret position.
type Cursor struct {
	Position uint32 `json:"position"`
}

// Selection is the wire shape of a selection range.
type Selection struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// JoinDocumentPayload is the data carried by a join_document frame.
type JoinDocumentPayload struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
	UserName   string `json:"userName"`
}

// OperationPayload wraps a client-submitted operation.
type OperationPayload struct {
	Operation Operation `json:"operation"`
}

// CursorUpdatePayload carries a cursor move.
type CursorUpdatePayload struct {
	Cursor Cursor `json:"cursor"`
}

// SelectionUpdatePayload carries a selection move.
type SelectionUpdatePayload struct {
	Selection Selection `json:"selection"`
}

// ClientMsg is an inbound frame. Exactly one field is populated, selected
// by the wire "type" string; the rest stay at their zero value, the same
// tagged-union-by-presence idiom the original protocol used for its
// Marshal/Unmarshal pair.
type ClientMsg struct {
	JoinDocument     *JoinDocumentPayload
	Operation        *OperationPayload
	CursorUpdate     *CursorUpdatePayload
	SelectionUpdate  *SelectionUpdatePayload
	Ping             bool
	GetMetrics       bool
	GetDocumentState bool
}

// Client-to-server type discriminators.
const (
	TypeJoinDocument     = "join_document"
	TypeOperation        = "operation"
	TypeCursorUpdate     = "cursor_update"
	TypeSelectionUpdate  = "selection_update"
	TypePing             = "ping"
	TypeGetMetrics       = "get_metrics"
	TypeGetDocumentState = "get_document_state"
)

// Server-to-client type discriminators.
const (
	TypeDocumentState     = "document_state"
	TypePresenceInfo      = "presence_info"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeCursorChanged     = "cursor_changed"
	TypeSelectionChanged  = "selection_changed"
	TypeOperationReceived = "operation_received"
	TypeMetrics           = "metrics"
	TypePong              = "pong"
	TypeError             = "error"
)

// UnmarshalJSON decodes a frame of {"type": "...", "data": {...}} into
// the matching field of ClientMsg.
func (m *ClientMsg) UnmarshalJSON(raw []byte) error {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("protocol: malformed frame: %w", err)
	}

	switch envelope.Type {
	case TypeJoinDocument:
		var p JoinDocumentPayload
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &p); err != nil {
				return err
			}
		}
		m.JoinDocument = &p
	case TypeOperation:
		var p OperationPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return err
		}
		m.Operation = &p
	case TypeCursorUpdate:
		var p CursorUpdatePayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return err
		}
		m.CursorUpdate = &p
	case TypeSelectionUpdate:
		var p SelectionUpdatePayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return err
		}
		m.SelectionUpdate = &p
	case TypePing:
		m.Ping = true
	case TypeGetMetrics:
		m.GetMetrics = true
	case TypeGetDocumentState:
		m.GetDocumentState = true
	default:
		return fmt.Errorf("protocol: unknown message type %q", envelope.Type)
	}
	return nil
}

// ServerMsg is an outbound event envelope: {type, data, userId?, timestamp}.
type ServerMsg struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	UserID    string      `json:"userId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// DocumentStatePayload is sent on join and on get_document_state.
type DocumentStatePayload struct {
	Content  string          `json:"content"`
	Revision int             `json:"revision"`
	Presence []PresenceEntry `json:"presence"`
	SiteID   uint64          `json:"siteId"`
}

// PresenceEntry mirrors awareness.Entry on the wire.
type PresenceEntry struct {
	PeerID      string     `json:"peerId"`
	DisplayName string     `json:"displayName"`
	Color       string     `json:"color"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
	Online      bool       `json:"online"`
}

// PresenceInfoPayload carries the full current presence set.
type PresenceInfoPayload struct {
	Peers []PresenceEntry `json:"peers"`
}

// UserJoinedPayload / UserLeftPayload announce membership changes.
type UserJoinedPayload struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

type UserLeftPayload struct {
	PeerID string `json:"peerId"`
}

// CursorChangedPayload / SelectionChangedPayload re-broadcast an update.
type CursorChangedPayload struct {
	PeerID string `json:"peerId"`
	Cursor Cursor `json:"cursor"`
}

type SelectionChangedPayload struct {
	PeerID    string    `json:"peerId"`
	Selection Selection `json:"selection"`
}

// OperationReceivedPayload re-broadcasts a committed operation.
type OperationReceivedPayload struct {
	Operation Operation `json:"operation"`
}

// MetricsPayload is the reply to get_metrics.
type MetricsPayload struct {
	TotalOps     int       `json:"totalOps"`
	PeakPeers    int       `json:"peakPeers"`
	ActiveConns  int       `json:"activeConns"`
	LastActivity time.Time `json:"lastActivity"`
	Size         int       `json:"size"`
}

// ErrorPayload is the data of a {"type":"error"} frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewDocumentState builds a document_state event.
func NewDocumentState(p DocumentStatePayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeDocumentState, Data: p, Timestamp: now}
}

// NewPresenceInfo builds a presence_info event.
func NewPresenceInfo(p PresenceInfoPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypePresenceInfo, Data: p, Timestamp: now}
}

// NewUserJoined builds a user_joined event.
func NewUserJoined(p UserJoinedPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeUserJoined, Data: p, Timestamp: now}
}

// NewUserLeft builds a user_left event.
func NewUserLeft(p UserLeftPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeUserLeft, Data: p, Timestamp: now}
}

// NewCursorChanged builds a cursor_changed event.
func NewCursorChanged(p CursorChangedPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeCursorChanged, Data: p, Timestamp: now}
}

// NewSelectionChanged builds a selection_changed event.
func NewSelectionChanged(p SelectionChangedPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeSelectionChanged, Data: p, Timestamp: now}
}

// NewOperationReceived builds an operation_received event.
func NewOperationReceived(p OperationReceivedPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeOperationReceived, Data: p, Timestamp: now}
}

// NewMetrics builds a metrics event.
func NewMetrics(p MetricsPayload, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeMetrics, Data: p, Timestamp: now}
}

// NewPong builds a pong event.
func NewPong(now time.Time) ServerMsg {
	return ServerMsg{Type: TypePong, Timestamp: now}
}

// NewError builds an error event. Errors never close the connection.
func NewError(message string, now time.Time) ServerMsg {
	return ServerMsg{Type: TypeError, Data: ErrorPayload{Error: message}, Timestamp: now}
}
