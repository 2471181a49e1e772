package eventbus

import (
	"testing"
	"time"

	"github.com/kestrelci/pipeforge/internal/domain"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	b.Publish(domain.Event{Type: domain.EventProviderAdded})

	select {
	case evt := <-ch:
		if evt.Type != domain.EventProviderAdded {
			t.Fatalf("got %v, want %v", evt.Type, domain.EventProviderAdded)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFanOutToAllSubscribers(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish(domain.Event{Type: domain.EventVaultUnlocked})

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := New()
	b.bufferSize = 1
	key, ch := b.Subscribe()

	b.Publish(domain.Event{Type: domain.EventRunTriggered})
	b.Publish(domain.Event{Type: domain.EventRunCancelled}) // buffer full, dropped

	if b.Dropped() != 1 {
		t.Fatalf("dropped count = %d, want 1", b.Dropped())
	}

	// The subscriber itself must still be registered and usable.
	if _, ok := b.subscribers[key]; !ok {
		t.Fatal("subscriber should not have been removed on drop")
	}
	<-ch
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	key, ch := b.Subscribe()
	b.Unsubscribe(key)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers after Unsubscribe")
	}
}
