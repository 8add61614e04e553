package main

import (
	"time"

	"github.com/nexaie/chatsync/internal/conversation"
	"github.com/nexaie/chatsync/internal/model"
)

// Event is the JSON frame pushed to a connected client.
type Event struct {
	Type string `json:"type"`

	Status         string              `json:"status,omitempty"`
	Presence       []PresenceEntry     `json:"presence,omitempty"`
	Conversations  []ConversationEntry `json:"conversations,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	Message        *MessageEntry       `json:"message,omitempty"`
	Error          string              `json:"error,omitempty"`
}

const (
	evStatus        = "status"
	evPresence      = "presence"
	evConversations = "conversations"
	evMessage       = "message"
	evMessageUpdate = "messageUpdate"
	evOpened        = "opened"
	evError         = "error"
	evShutdown      = "shutdown"
)

// Intent is the JSON frame a client sends over the socket.
type Intent struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Text           string `json:"text,omitempty"`
	Signal         string `json:"signal,omitempty"`
}

type PresenceEntry struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	Typing   bool      `json:"typing"`
	TypingIn string    `json:"typingIn,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type ConversationEntry struct {
	ID            string    `json:"id"`
	PeerID        string    `json:"peerId"`
	PeerUsername  string    `json:"peerUsername"`
	PeerName      string    `json:"peerName"`
	PeerOnline    bool      `json:"peerOnline"`
	LastText      string    `json:"lastText,omitempty"`
	LastSenderID  string    `json:"lastSenderId,omitempty"`
	LastRead      bool      `json:"lastRead"`
	LastTimestamp time.Time `json:"lastTimestamp"`
}

type MessageEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
}

func presenceEntries(snaps []model.PresenceSnapshot) []PresenceEntry {
	out := make([]PresenceEntry, len(snaps))
	for i, p := range snaps {
		out[i] = PresenceEntry{
			UserID:   p.UserID,
			Username: p.Username,
			Online:   p.Online,
			Typing:   p.Typing,
			TypingIn: p.TypingIn,
			LastSeen: p.LastSeen,
		}
	}
	return out
}

func conversationEntries(rows []conversation.Row) []ConversationEntry {
	out := make([]ConversationEntry, len(rows))
	for i, r := range rows {
		out[i] = ConversationEntry{
			ID:            r.Conversation.ID,
			PeerID:        r.Peer.ID,
			PeerUsername:  r.Peer.Username,
			PeerName:      r.Peer.Name,
			PeerOnline:    r.Peer.Online,
			LastText:      r.Conversation.LastMessage.Text,
			LastSenderID:  r.Conversation.LastMessage.SenderID,
			LastRead:      r.Conversation.LastMessage.Read,
			LastTimestamp: r.Conversation.LastMessage.Timestamp,
		}
	}
	return out
}

func messageEntry(m model.Message) *MessageEntry {
	return &MessageEntry{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Timestamp:      m.Timestamp,
		Read:           m.Read,
	}
}
