package progress

import "testing"

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{JobID: 1, Hostname: "r1", Status: "started"})
	ev := <-ch
	if ev.Hostname != "r1" || ev.Status != "started" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLateSubscriberSeesFinalEvent(t *testing.T) {
	b := NewBus()
	b.Publish(Event{JobID: 2, Status: "running"})
	b.Publish(Event{JobID: 2, Status: "complete", Final: true})

	ch, cancel := b.Subscribe(2)
	defer cancel()

	ev, ok := <-ch
	if !ok {
		t.Fatalf("expected final event, channel closed immediately")
	}
	if ev.Status != "complete" || !ev.Final {
		t.Fatalf("expected cached final event, got %+v", ev)
	}
}

func TestFinalEventClosesLiveSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(3)
	defer cancel()

	b.Publish(Event{JobID: 3, Status: "complete", Final: true})

	ev, ok := <-ch
	if !ok || !ev.Final {
		t.Fatalf("expected final event before close, got ok=%v ev=%+v", ok, ev)
	}
	if _, stillOpen := <-ch; stillOpen {
		t.Fatalf("expected channel closed after final event")
	}
}

func TestUnrelatedJobsDoNotCrossDeliver(t *testing.T) {
	b := NewBus()
	chA, cancelA := b.Subscribe(10)
	defer cancelA()
	chB, cancelB := b.Subscribe(20)
	defer cancelB()

	b.Publish(Event{JobID: 10, Status: "started"})

	select {
	case ev := <-chA:
		if ev.JobID != 10 {
			t.Fatalf("job A got wrong event: %+v", ev)
		}
	default:
		t.Fatalf("expected job A to receive its event")
	}
	select {
	case ev := <-chB:
		t.Fatalf("job B should not have received an event, got %+v", ev)
	default:
	}
}
