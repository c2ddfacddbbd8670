package outcomebus

import (
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribersExactlyOnce(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	b.Publish(Outcome{RequestID: "r1", Success: true, Timestamp: time.Unix(1, 0)})

	for _, s := range []*Subscriber{s1, s2} {
		select {
		case o := <-s.C:
			if o.RequestID != "r1" {
				t.Fatalf("unexpected outcome: %+v", o)
			}
		default:
			t.Fatalf("expected subscriber to receive the outcome")
		}
		select {
		case extra := <-s.C:
			t.Fatalf("expected exactly one delivery, got extra: %+v", extra)
		default:
		}
	}
}

func TestUnsubscribedSubscriberReceivesNothing(t *testing.T) {
	b := New()
	s := b.Subscribe(4)
	b.Unsubscribe(s)
	b.Publish(Outcome{RequestID: "r1", Timestamp: time.Unix(1, 0)})

	select {
	case o := <-s.C:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", o)
	default:
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	b.Publish(Outcome{RequestID: "first", Timestamp: time.Unix(1, 0)})
	b.Publish(Outcome{RequestID: "second", Timestamp: time.Unix(2, 0)}) // dropped, buffer full

	o := <-s.C
	if o.RequestID != "first" {
		t.Fatalf("expected first outcome to survive, got %+v", o)
	}
	select {
	case extra := <-s.C:
		t.Fatalf("expected second publish dropped under back-pressure, got %+v", extra)
	default:
	}
}

func TestSubscriberCountTracksSubscribeAndUnsubscribe(t *testing.T) {
	b := New()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers initially")
	}
	s1 := b.Subscribe(1)
	b.Subscribe(1)
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount())
	}
	b.Unsubscribe(s1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestPublishStampsTimestampWhenZero(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	b.Publish(Outcome{RequestID: "r1"})
	o := <-s.C
	if o.Timestamp.IsZero() {
		t.Fatalf("expected publish to stamp a non-zero timestamp")
	}
}
