package events

import (
	"testing"
	"time"
)

func TestLogMatchesMaskOnly(t *testing.T) {
	l := NewLogger()
	pairSub := l.Subscribe(Paired)
	allSub := l.Subscribe(AllEvents)

	l.Log(DeviceAdded, "p1")
	l.Log(Paired, "p1")

	if _, err := pairSub.Poll(100 * time.Millisecond); err != nil {
		t.Fatalf("expected Paired subscriber to receive the Paired event: %v", err)
	}
	if _, err := pairSub.Poll(50 * time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected Paired subscriber to not receive DeviceAdded, got err=%v", err)
	}

	got := 0
	for {
		if _, err := allSub.Poll(50 * time.Millisecond); err != nil {
			break
		}
		got++
	}
	if got != 2 {
		t.Fatalf("expected AllEvents subscriber to see both events, got %d", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	l := NewLogger()
	s := l.Subscribe(AllEvents)
	l.Unsubscribe(s)

	if _, err := s.Poll(50 * time.Millisecond); err != ErrClosed {
		t.Fatalf("expected ErrClosed after unsubscribe, got %v", err)
	}
}

func TestBufferedSubscriptionSince(t *testing.T) {
	l := NewLogger()
	sub := l.Subscribe(AllEvents)
	bs := NewBufferedSubscription(sub, 8)

	l.Log(DeviceAdded, "p1")
	l.Log(Paired, "p1")
	l.Log(Connected, "p1")

	// give the background polling loop time to drain the subscription
	// channel into the ring buffer before asserting on it.
	time.Sleep(200 * time.Millisecond)

	got := bs.Since(0, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 buffered events, got %d (%+v)", len(got), got)
	}
	if got[0].Type != DeviceAdded || got[2].Type != Connected {
		t.Fatalf("unexpected event order: %+v", got)
	}
}
