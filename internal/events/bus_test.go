package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFiltersByAccountAndType(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe(Filter{})
	acct := b.Subscribe(Filter{AccountID: "a1"})
	hosts := b.Subscribe(Filter{Types: []string{HostConnected}})

	b.Publish(Event{Type: HostConnected, AccountID: "a1", HostID: "h1"})
	b.Publish(Event{Type: SessionCreated, AccountID: "a2", SessionID: "s1"})

	if e := recv(t, all); e.Type != HostConnected {
		t.Errorf("all[0]: got %q", e.Type)
	}
	if e := recv(t, all); e.Type != SessionCreated {
		t.Errorf("all[1]: got %q", e.Type)
	}
	if e := recv(t, acct); e.HostID != "h1" {
		t.Errorf("acct: got %+v", e)
	}
	if e := recv(t, hosts); e.Type != HostConnected {
		t.Errorf("hosts: got %q", e.Type)
	}

	select {
	case e := <-acct:
		t.Errorf("account subscriber got foreign event %+v", e)
	case e := <-hosts:
		t.Errorf("type subscriber got unwanted event %+v", e)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: SessionClosed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffer: got %d, want full (%d)", len(ch), cap(ch))
	}
}

func TestPublishDataAndUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(Filter{})
	b.PublishData(Event{Type: HostUpdateNeeded}, map[string]string{"version": "2.0.0"})
	e := recv(t, ch)
	if string(e.Data) != `{"version":"2.0.0"}` {
		t.Errorf("Data: got %s", e.Data)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers: got %d", b.Subscribers())
	}

	var nilBus *Bus
	nilBus.Publish(Event{Type: HostConnected})
}
