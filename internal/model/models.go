// Package model defines the domain documents shared by the sync components
// and their encoding to and from gateway documents.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/nexaie/chatsync/internal/gateway"
)

// Collection names used across the module. The gateway treats these as
// opaque; they match what the hosted store variants used.
const (
	CollUsers         = "users"
	CollUsernames     = "usernames"
	CollConversations = "conversations"
	CollMessages      = "messages"
)

// User maps to a document in the users collection. Online, Typing and
// LastActive are advisory presence fields owned by the user's own session.
type User struct {
	ID         string
	Username   string
	Name       string
	AvatarURL  string
	Online     bool
	Typing     bool
	TypingIn   string // conversation the user is composing in, if any
	LastActive time.Time
	CreatedAt  time.Time
}

// LastMessage is the denormalized summary stored on a Conversation.
type LastMessage struct {
	Text      string
	SenderID  string
	Timestamp time.Time
	Read      bool
}

// Conversation maps to a document in the conversations collection.
// ParticipantIDs is immutable after creation; the document id is derived
// from the sorted participant pair (see ConversationID).
type Conversation struct {
	ID             string
	ParticipantIDs []string
	LastMessage    LastMessage
}

// OrderKey is the sort key for conversation listings: most recent activity.
func (c Conversation) OrderKey() time.Time { return c.LastMessage.Timestamp }

// Peer returns the other participant's id, or "" if selfID is not a
// participant or the pair is degenerate.
func (c Conversation) Peer(selfID string) string {
	for _, id := range c.ParticipantIDs {
		if id != selfID {
			return id
		}
	}
	return ""
}

// Message maps to a document in the messages collection. Immutable once
// created except for Read, which transitions false to true exactly once.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Timestamp      time.Time
	Read           bool
}

// PresenceSnapshot is the derived, non-persisted presence view of a user.
type PresenceSnapshot struct {
	UserID   string
	Username string
	Online   bool
	Typing   bool
	TypingIn string
	LastSeen time.Time
}

// ConversationID derives the deterministic conversation id for a pair of
// participants: the ids sorted lexicographically and joined by "_". Both
// orders of the arguments yield the same id.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

// Fields returns the user's persisted representation. Presence fields are
// written separately by the tracker; this is the full account document.
func (u User) Fields() map[string]any {
	return map[string]any{
		"username":   u.Username,
		"name":       u.Name,
		"photoURL":   u.AvatarURL,
		"online":     u.Online,
		"typing":     u.Typing,
		"typingIn":   u.TypingIn,
		"lastActive": gateway.ServerTimestamp,
		"createdAt":  gateway.ServerTimestamp,
	}
}

// UserFromDoc decodes a users document.
func UserFromDoc(d gateway.Doc) User {
	return User{
		ID:         d.ID,
		Username:   docString(d, "username"),
		Name:       docString(d, "name"),
		AvatarURL:  docString(d, "photoURL"),
		Online:     docBool(d, "online"),
		Typing:     docBool(d, "typing"),
		TypingIn:   docString(d, "typingIn"),
		LastActive: docTime(d, "lastActive"),
		CreatedAt:  docTime(d, "createdAt"),
	}
}

// Fields returns the summary's persisted map form. When Timestamp is zero
// the gateway assigns the server time at write.
func (lm LastMessage) Fields() map[string]any {
	var ts any = lm.Timestamp
	if lm.Timestamp.IsZero() {
		ts = gateway.ServerTimestamp
	}
	return map[string]any{
		"text":      lm.Text,
		"senderId":  lm.SenderID,
		"timestamp": ts,
		"read":      lm.Read,
	}
}

// ConversationFromDoc decodes a conversations document.
func ConversationFromDoc(d gateway.Doc) Conversation {
	c := Conversation{ID: d.ID}
	if raw, ok := d.Fields["participantIds"]; ok {
		switch v := raw.(type) {
		case []string:
			c.ParticipantIDs = append(c.ParticipantIDs, v...)
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					c.ParticipantIDs = append(c.ParticipantIDs, s)
				}
			}
		}
	}
	if lm, ok := d.Fields["lastMessage"].(map[string]any); ok {
		c.LastMessage = LastMessage{
			Text:      asString(lm["text"]),
			SenderID:  asString(lm["senderId"]),
			Timestamp: asTime(lm["timestamp"]),
			Read:      asBool(lm["read"]),
		}
	}
	return c
}

// Fields returns the message's persisted representation. The timestamp is
// always server-assigned so per-conversation ordering is monotonic.
func (m Message) Fields() map[string]any {
	return map[string]any{
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"text":           m.Text,
		"timestamp":      gateway.ServerTimestamp,
		"read":           m.Read,
	}
}

// MessageFromDoc decodes a messages document.
func MessageFromDoc(d gateway.Doc) Message {
	return Message{
		ID:             d.ID,
		ConversationID: docString(d, "conversationId"),
		SenderID:       docString(d, "senderId"),
		Text:           docString(d, "text"),
		Timestamp:      docTime(d, "timestamp"),
		Read:           docBool(d, "read"),
	}
}

func docString(d gateway.Doc, key string) string  { return asString(d.Fields[key]) }
func docBool(d gateway.Doc, key string) bool      { return asBool(d.Fields[key]) }
func docTime(d gateway.Doc, key string) time.Time { return asTime(d.Fields[key]) }

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}
