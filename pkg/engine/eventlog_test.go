package engine

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

func TestEventLogAppendAssignsSequence(t *testing.T) {
	tick := 0
	clock := func() time.Time {
		tick++
		return time.Unix(0, int64(tick)*int64(time.Millisecond))
	}
	log := newEventLog(8, clock)

	first := log.append(domain.EventRunStarted, "", "demo")
	second := log.append(domain.EventNodeInvoked, "a", nil)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seqs = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("timestamps not increasing: %v then %v", first.Timestamp, second.Timestamp)
	}

	history := log.history()
	if len(history) != 2 {
		t.Fatalf("history = %d events", len(history))
	}
	if history[0].Kind != domain.EventRunStarted || history[1].NodeID != "a" {
		t.Fatalf("history out of order: %+v", history)
	}
	if log.lastSeq() != 2 {
		t.Fatalf("lastSeq = %d", log.lastSeq())
	}
}

func TestEventLogEvictsOldestWhenFull(t *testing.T) {
	log := newEventLog(4, nil)
	for i := 0; i < 6; i++ {
		log.append(domain.EventOutput, "n", i)
	}

	history := log.history()
	if len(history) != 4 {
		t.Fatalf("history = %d events, want capacity 4", len(history))
	}
	for i, ev := range history {
		if want := uint64(i + 3); ev.Seq != want {
			t.Fatalf("history[%d].Seq = %d, want %d", i, ev.Seq, want)
		}
	}
	if log.lastSeq() != 6 {
		t.Fatalf("lastSeq = %d, want 6", log.lastSeq())
	}
}

func TestEventLogSince(t *testing.T) {
	log := newEventLog(8, nil)
	for i := 0; i < 5; i++ {
		log.append(domain.EventOutput, "n", i)
	}

	got := log.since(3)
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("since(3) = %+v", got)
	}
	if got := log.since(5); len(got) != 0 {
		t.Fatalf("since(lastSeq) = %+v, want empty", got)
	}
	if got := log.since(0); len(got) != 5 {
		t.Fatalf("since(0) = %d events, want all 5", len(got))
	}
}

func TestEventLogSubscribeReceivesLiveEvents(t *testing.T) {
	log := newEventLog(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := log.subscribe(ctx, 4)
	log.append(domain.EventNodeInvoked, "a", nil)
	log.append(domain.EventNodeCompleted, "a", nil)

	for _, want := range []uint64{1, 2} {
		select {
		case ev := <-ch:
			if ev.Seq != want {
				t.Fatalf("seq = %d, want %d", ev.Seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no event delivered")
		}
	}

	// Cancelling the context closes the feed.
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after context cancel")
		}
	}
}

func TestEventLogSlowSubscriberDropsNotBlocks(t *testing.T) {
	log := newEventLog(8, nil)
	ch := log.subscribe(context.Background(), 1)

	for i := 0; i < 3; i++ {
		log.append(domain.EventOutput, "n", i)
	}
	if got := log.droppedCount(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	ev := <-ch
	if ev.Seq != 1 {
		t.Fatalf("delivered seq = %d, want 1", ev.Seq)
	}
	// The gap is recoverable from the buffer.
	missed := log.since(ev.Seq)
	if len(missed) != 2 || missed[0].Seq != 2 || missed[1].Seq != 3 {
		t.Fatalf("since(%d) = %+v", ev.Seq, missed)
	}
}

func TestEventLogCloseEndsSubscribers(t *testing.T) {
	log := newEventLog(8, nil)
	ch := log.subscribe(context.Background(), 4)

	log.append(domain.EventRunStarted, "", nil)
	log.close()

	var got int
	for range ch {
		got++
	}
	if got != 1 {
		t.Fatalf("received %d events before close, want 1", got)
	}

	// Appends after close still land in the buffer for history readers.
	log.append(domain.EventRunStatusChanged, "", "completed")
	if len(log.history()) != 2 {
		t.Fatalf("history = %d events", len(log.history()))
	}

	// Late subscribers get an already-closed channel.
	late := log.subscribe(context.Background(), 4)
	if _, ok := <-late; ok {
		t.Fatalf("late subscription delivered an event")
	}

	// Closing twice is harmless.
	log.close()
}

func TestEventLogRingWindowProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(rt, "capacity")
		appends := rapid.IntRange(0, 32).Draw(rt, "appends")

		log := newEventLog(capacity, nil)
		for i := 1; i <= appends; i++ {
			log.append(domain.EventOutput, "n", i)
		}

		window := appends
		if window > capacity {
			window = capacity
		}
		history := log.history()
		if len(history) != window {
			rt.Fatalf("history = %d events, want %d", len(history), window)
		}
		// The buffer holds the newest contiguous window ending at the
		// last sequence.
		for i, ev := range history {
			if want := uint64(appends - window + i + 1); ev.Seq != want {
				rt.Fatalf("history[%d].Seq = %d, want %d", i, ev.Seq, want)
			}
		}
		if log.lastSeq() != uint64(appends) {
			rt.Fatalf("lastSeq = %d, want %d", log.lastSeq(), appends)
		}

		cut := uint64(rapid.IntRange(0, appends+1).Draw(rt, "cut"))
		since := log.since(cut)
		expect := 0
		for _, ev := range history {
			if ev.Seq > cut {
				expect++
			}
		}
		if len(since) != expect {
			rt.Fatalf("since(%d) = %d events, want %d", cut, len(since), expect)
		}
	})
}
