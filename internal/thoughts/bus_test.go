package thoughts

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, b *Bus, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Cursor() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("bus never reached cursor %d (at %d)", n, b.Cursor())
}

func TestBusMonotonicIDs(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.Post(KindInfo, "", "event", nil)
	}
	waitFor(t, b, 10)

	events := b.Since(0, 0)
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("IDs not strictly increasing: %d after %d", events[i].ID, events[i-1].ID)
		}
	}
}

func TestBusSinceCursor(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Post(KindStep, "/r/", "step", nil)
	}
	waitFor(t, b, 5)

	tail := b.Since(3, 0)
	if len(tail) != 2 {
		t.Fatalf("Since(3) returned %d events, want 2", len(tail))
	}
	for _, ev := range tail {
		if ev.ID <= 3 {
			t.Errorf("Since(3) returned id %d", ev.ID)
		}
	}
}

func TestBusSinceLimit(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	for i := 0; i < 20; i++ {
		b.Post(KindInfo, "", "x", nil)
	}
	waitFor(t, b, 20)

	if got := len(b.Since(0, 5)); got != 5 {
		t.Errorf("limit 5 returned %d", got)
	}
}

func TestBusWaitUnblocksOnPost(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	done := make(chan struct{})
	go func() {
		b.Wait(context.Background(), 0)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Post(KindInfo, "", "wake", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Post")
	}
}

func TestBusWaitHonorsContext(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	b.Wait(ctx, 100)
	if time.Since(start) > time.Second {
		t.Error("Wait ignored context deadline")
	}
}

func TestLogAppendJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thoughts.log")
	l, err := OpenLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	b := NewBus(l)
	b.Post(KindDiagnose, "/api/", "probing", map[string]any{"status": 502})
	b.Post(KindResult, "/api/", "pass", nil)
	waitFor(t, b, 2)
	b.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	if lines != 2 {
		t.Errorf("log has %d lines, want 2", lines)
	}
}
