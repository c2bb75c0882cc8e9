package events

import (
	"encoding/json"
	"fmt"

	"github.com/gogotex/livedoc/internal/document"
)

// Event type tags as they appear on the wire.
const (
	TypeConnected  = "connected"
	TypeUpdate     = "update"
	TypeUserUpdate = "userUpdate"
	TypeKeepalive  = "keepalive"
)

// Event is a change event delivered to subscribers of a document. The set of
// implementations is closed: Connected, Update, UserUpdate and Keepalive.
type Event interface {
	Type() string
	sealed()
}

// Connected acknowledges a new subscription.
type Connected struct {
	DocumentID string
}

// Update carries a content change.
type Update struct {
	Content     string
	Users       []document.Participant
	LastUpdated int64
	UpdatedBy   string
}

// UserUpdate carries a participant change without content.
type UserUpdate struct {
	Users     []document.Participant
	UpdatedBy string
}

// Keepalive is the periodic stream heartbeat.
type Keepalive struct {
	Timestamp int64
}

func (Connected) Type() string  { return TypeConnected }
func (Update) Type() string     { return TypeUpdate }
func (UserUpdate) Type() string { return TypeUserUpdate }
func (Keepalive) Type() string  { return TypeKeepalive }

func (Connected) sealed()  {}
func (Update) sealed()     {}
func (UserUpdate) sealed() {}
func (Keepalive) sealed()  {}

// wire is the flat JSON shape shared by all event kinds.
type wire struct {
	Type        string                 `json:"type"`
	DocumentID  string                 `json:"documentId,omitempty"`
	Content     *string                `json:"content,omitempty"`
	Users       []document.Participant `json:"users,omitempty"`
	LastUpdated int64                  `json:"lastUpdated,omitempty"`
	UpdatedBy   string                 `json:"updatedBy,omitempty"`
	Timestamp   int64                  `json:"timestamp,omitempty"`
}

func users(ps []document.Participant) []document.Participant {
	if ps == nil {
		return []document.Participant{}
	}
	return ps
}

func (e Connected) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Type: TypeConnected, DocumentID: e.DocumentID})
}

func (e Update) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        string                 `json:"type"`
		Content     string                 `json:"content"`
		Users       []document.Participant `json:"users"`
		LastUpdated int64                  `json:"lastUpdated"`
		UpdatedBy   string                 `json:"updatedBy"`
	}{TypeUpdate, e.Content, users(e.Users), e.LastUpdated, e.UpdatedBy})
}

func (e UserUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string                 `json:"type"`
		Users     []document.Participant `json:"users"`
		UpdatedBy string                 `json:"updatedBy"`
	}{TypeUserUpdate, users(e.Users), e.UpdatedBy})
}

func (e Keepalive) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Type: TypeKeepalive, Timestamp: e.Timestamp})
}

// Decode parses one wire event. Unknown types are an error.
func Decode(b []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch w.Type {
	case TypeConnected:
		return Connected{DocumentID: w.DocumentID}, nil
	case TypeUpdate:
		var content string
		if w.Content != nil {
			content = *w.Content
		}
		return Update{Content: content, Users: users(w.Users), LastUpdated: w.LastUpdated, UpdatedBy: w.UpdatedBy}, nil
	case TypeUserUpdate:
		return UserUpdate{Users: users(w.Users), UpdatedBy: w.UpdatedBy}, nil
	case TypeKeepalive:
		return Keepalive{Timestamp: w.Timestamp}, nil
	}
	return nil, fmt.Errorf("decode event: unknown type %q", w.Type)
}
