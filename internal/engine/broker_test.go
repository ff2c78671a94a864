package engine_test

import (
	"testing"

	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
)

func update(runID int, uid, label string) model.Update {
	return model.Update{RunID: runID, DeviceUID: uid, Label: label}
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("1/a")
	defer unsub()

	labels := []string{"step 1", "step 2", "step 3"}
	for _, l := range labels {
		b.Publish(update(1, "a", l))
	}
	b.Close("1/a")

	var got []string
	for u := range ch {
		got = append(got, u.Label)
	}

	if len(got) != len(labels) {
		t.Fatalf("got %d updates, want %d", len(got), len(labels))
	}
	for i, l := range got {
		if l != labels[i] {
			t.Errorf("update[%d] = %q, want %q", i, l, labels[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewBroker()
	ch1, unsub1 := b.Subscribe("1/a")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("1/a")
	defer unsub2()

	b.Publish(update(1, "a", "hello"))
	b.Close("1/a")

	var got1, got2 []string
	for u := range ch1 {
		got1 = append(got1, u.Label)
	}
	for u := range ch2 {
		got2 = append(got2, u.Label)
	}

	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestBrokerRoutesBySessionKey(t *testing.T) {
	b := engine.NewBroker()
	chA, unsubA := b.Subscribe("1/a")
	defer unsubA()

	b.Publish(update(1, "b", "other device"))
	b.Publish(update(2, "a", "other run"))
	b.Publish(update(1, "a", "mine"))
	b.Close("1/a")

	var got []string
	for u := range chA {
		got = append(got, u.Label)
	}
	if len(got) != 1 || got[0] != "mine" {
		t.Errorf("got %v, want [mine]", got)
	}
}

func TestBrokerSubscribeAll(t *testing.T) {
	b := engine.NewBroker()
	all, unsub := b.SubscribeAll()
	defer unsub()

	b.Publish(update(1, "a", "a"))
	b.Publish(update(1, "b", "b"))
	b.Close("1/a")

	for _, want := range []string{"a", "b"} {
		select {
		case u := <-all:
			if u.Label != want {
				t.Errorf("got %q, want %q", u.Label, want)
			}
		default:
			t.Fatalf("missing update %q", want)
		}
	}

	// Closing one session does not close the firehose.
	b.Publish(update(2, "a", "c"))
	select {
	case u, ok := <-all:
		if !ok || u.Label != "c" {
			t.Errorf("got %+v (ok=%v), want update c", u, ok)
		}
	default:
		t.Fatal("firehose stopped after session close")
	}
}

func TestBrokerCloseClosesChannels(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("1/a")
	defer unsub()

	b.Close("1/a")

	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewBroker()
	b.Publish(update(1, "a", "early"))
	b.Close("1/a")

	ch, unsub := b.Subscribe("1/a")
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("1/a")
	unsub()

	b.Publish(update(1, "a", "after unsub"))
	b.Close("1/a")

	select {
	case u, ok := <-ch:
		if ok {
			t.Errorf("got unexpected update %q after unsubscribe", u.Label)
		}
	default:
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := engine.NewBroker()
	_, unsub := b.Subscribe("1/a")
	defer unsub()

	// Nobody drains the channel; publishing past the buffer must drop.
	for i := 0; i < 1000; i++ {
		b.Publish(update(1, "a", "flood"))
	}
}

func TestBrokerPublishToUnknownSessionIsNoop(t *testing.T) {
	b := engine.NewBroker()
	b.Publish(update(9, "x", "line"))
	b.Close("9/x")
}
