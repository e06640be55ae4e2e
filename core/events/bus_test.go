package events

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	ch, cancel, err := b.Subscribe(TopicModuleResolved)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Second)
	defer cancelCtx()
	b.Publish(ctx, TopicModuleResolved, Resolved{Namespace: "module", Name: "Calc", Resource: "calc_v2"})

	select {
	case v := <-ch:
		ev, ok := v.(Resolved)
		if !ok {
			t.Fatalf("expected Resolved, got %T", v)
		}
		if ev.Name != "Calc" || ev.Resource != "calc_v2" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_CancelUnsubscribe(t *testing.T) {
	b := New()
	ch, cancel, err := b.Subscribe(TopicResolutionRejected)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}
	b.Publish(context.Background(), TopicResolutionRejected, Rejected{Name: "Secret"})
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	_, cancel, _ := b.Subscribe(TopicServiceResolved)
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		b.Publish(context.Background(), TopicServiceResolved, Resolved{Name: "Metrics"})
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped deliveries, got %d", got)
	}
}

func TestBus_Close(t *testing.T) {
	b := New()
	ch1, _, _ := b.Subscribe(TopicKernelStarted)
	ch2, _, _ := b.Subscribe(TopicKernelStarted)
	b.Close()
	for i, ch := range []<-chan TypedEvent{ch1, ch2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatalf("expected ch%d closed", i+1)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("timeout waiting ch%d to close", i+1)
		}
	}
	// Subscribing after close yields a closed channel.
	ch3, _, _ := b.Subscribe(TopicKernelStarted)
	if _, ok := <-ch3; ok {
		t.Fatal("expected closed channel after Close")
	}
}
