package watcher

import (
	"testing"
	"time"
)

func event(kind FsEventKind, path string) RawFsEvent {
	return RawFsEvent{Kind: kind, Path: path}
}

func TestDebounceWindowClamps(t *testing.T) {
	if got := DebounceWindow(10); got != 50*time.Millisecond {
		t.Fatalf("got %v, want 50ms", got)
	}
	if got := DebounceWindow(1000); got != 500*time.Millisecond {
		t.Fatalf("got %v, want 500ms", got)
	}
	if got := DebounceWindow(200); got != 200*time.Millisecond {
		t.Fatalf("got %v, want 200ms", got)
	}
}

func TestSingleEventNotReadyBeforeWindow(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventModify, "/a.md"), now)

	ready := d.drainReadyAt(now.Add(50 * time.Millisecond))
	if len(ready) != 0 {
		t.Fatalf("expected no ready events, got %v", ready)
	}
	if d.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", d.PendingCount())
	}
}

func TestSingleEventReadyAfterWindow(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventModify, "/a.md"), now)

	ready := d.drainReadyAt(now.Add(100 * time.Millisecond))
	if len(ready) != 1 || ready[0].Path != "/a.md" || ready[0].Kind != FsEventModify {
		t.Fatalf("unexpected ready: %v", ready)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0", d.PendingCount())
	}
}

func TestRapidEventsCoalesceLastKindWins(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventCreate, "/a.md"), now)
	d.pushAt(event(FsEventModify, "/a.md"), now.Add(20*time.Millisecond))
	d.pushAt(event(FsEventModify, "/a.md"), now.Add(40*time.Millisecond))

	if d.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", d.PendingCount())
	}

	if ready := d.drainReadyAt(now.Add(80 * time.Millisecond)); len(ready) != 0 {
		t.Fatalf("expected not ready at 80ms, got %v", ready)
	}

	ready := d.drainReadyAt(now.Add(140 * time.Millisecond))
	if len(ready) != 1 || ready[0].Kind != FsEventModify {
		t.Fatalf("unexpected ready: %v", ready)
	}
}

func TestCoalesceResetsTimer(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventModify, "/a.md"), now)
	d.pushAt(event(FsEventModify, "/a.md"), now.Add(80*time.Millisecond))

	if ready := d.drainReadyAt(now.Add(100 * time.Millisecond)); len(ready) != 0 {
		t.Fatalf("expected not ready at 100ms, got %v", ready)
	}
	if ready := d.drainReadyAt(now.Add(180 * time.Millisecond)); len(ready) != 1 {
		t.Fatalf("expected ready at 180ms, got %v", ready)
	}
}

func TestDifferentPathsTrackedIndependently(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventModify, "/a.md"), now)
	d.pushAt(event(FsEventCreate, "/b.md"), now.Add(50*time.Millisecond))

	if d.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", d.PendingCount())
	}

	ready := d.drainReadyAt(now.Add(100 * time.Millisecond))
	if len(ready) != 1 || ready[0].Path != "/a.md" {
		t.Fatalf("unexpected ready: %v", ready)
	}
	if d.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", d.PendingCount())
	}

	ready = d.drainReadyAt(now.Add(150 * time.Millisecond))
	if len(ready) != 1 || ready[0].Path != "/b.md" {
		t.Fatalf("unexpected ready: %v", ready)
	}
}

func TestCreateThenRemoveCoalescesToRemove(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventCreate, "/a.md"), now)
	d.pushAt(event(FsEventRemove, "/a.md"), now.Add(30*time.Millisecond))

	ready := d.drainReadyAt(now.Add(130 * time.Millisecond))
	if len(ready) != 1 || ready[0].Kind != FsEventRemove {
		t.Fatalf("unexpected ready: %v", ready)
	}
}

func TestDrainReadyIsIdempotent(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventModify, "/a.md"), now)

	if ready := d.drainReadyAt(now.Add(100 * time.Millisecond)); len(ready) != 1 {
		t.Fatalf("expected 1 ready, got %v", ready)
	}
	if ready := d.drainReadyAt(now.Add(200 * time.Millisecond)); len(ready) != 0 {
		t.Fatalf("expected 0 ready on second drain, got %v", ready)
	}
}

func TestNextDeadlineReturnsEarliest(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	now := time.Now()
	d.pushAt(event(FsEventModify, "/a.md"), now)
	d.pushAt(event(FsEventCreate, "/b.md"), now.Add(50*time.Millisecond))

	deadline, ok := d.NextDeadline()
	if !ok {
		t.Fatalf("expected a deadline")
	}
	want := now.Add(100 * time.Millisecond)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
}

func TestNextDeadlineNoneWhenEmpty(t *testing.T) {
	d := NewDebouncer(DebounceWindow(DefaultDebounceMillis))
	if _, ok := d.NextDeadline(); ok {
		t.Fatalf("expected no deadline for empty debouncer")
	}
}
