package main

import (
	"errors"
	"testing"
)

type fakeSender struct {
	last *Event
	fail bool
}

func (f *fakeSender) Send(ev Event) error {
	if f.fail {
		return errors.New("send fail")
	}
	f.last = &ev
	return nil
}

func TestConnectionHub_RegisterAndSend(t *testing.T) {
	hub := NewConnectionHub()

	senderA := &fakeSender{}
	senderB := &fakeSender{}

	idA := hub.Register("u1", senderA)
	_ = hub.Register("u1", senderB) // second device

	ev := Event{Type: evMessage, ConversationID: "u1_u2", Message: &MessageEntry{ID: "m1", Text: "hello"}}

	if err := hub.SendToUser("u1", ev); err != nil {
		t.Fatalf("expected send success, got error: %v", err)
	}

	if senderA.last == nil || senderA.last.Message.ID != "m1" {
		t.Fatalf("sender A did not receive event")
	}

	// Unregister senderA and ensure it no longer receives events
	hub.Unregister("u1", idA)

	ev2 := Event{Type: evMessage, ConversationID: "u1_u2", Message: &MessageEntry{ID: "m2"}}
	if err := hub.SendToUser("u1", ev2); err != nil {
		t.Fatalf("expected send success after unregistering one connection: %v", err)
	}

	if senderA.last.Message.ID == "m2" {
		t.Fatalf("sender A should not have received second event after unregister")
	}
}

func TestConnectionHub_SendToOffline(t *testing.T) {
	hub := NewConnectionHub()

	if err := hub.SendToUser("nobody", Event{}); err == nil {
		t.Fatalf("expected error when sending to offline user")
	}
}

func TestConnectionHub_SendPartialFailure(t *testing.T) {
	hub := NewConnectionHub()

	ok := &fakeSender{}
	bad := &fakeSender{fail: true}

	_ = hub.Register("u9", ok)
	_ = hub.Register("u9", bad)

	if err := hub.SendToUser("u9", Event{Type: evStatus, Status: "connected"}); err == nil {
		t.Fatalf("expected error due to partial sender failure")
	}

	// After a partial failure, the failing connection should have been
	// automatically unregistered. A subsequent send should succeed and only
	// reach the healthy sender.
	if err := hub.SendToUser("u9", Event{Type: evStatus, Status: "reconnecting"}); err != nil {
		t.Fatalf("expected send to succeed after cleanup of failed connections: %v", err)
	}

	if ok.last == nil || ok.last.Status != "reconnecting" {
		t.Fatalf("healthy sender did not receive event after cleanup")
	}
}

func TestConnectionHub_Broadcast(t *testing.T) {
	hub := NewConnectionHub()

	a := &fakeSender{}
	b := &fakeSender{}
	_ = hub.Register("u1", a)
	_ = hub.Register("u2", b)

	hub.Broadcast(Event{Type: evShutdown})

	if a.last == nil || a.last.Type != evShutdown {
		t.Fatalf("u1 did not receive broadcast")
	}
	if b.last == nil || b.last.Type != evShutdown {
		t.Fatalf("u2 did not receive broadcast")
	}
}
