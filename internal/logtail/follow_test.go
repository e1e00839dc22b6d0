package logtail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type followFixture struct {
	path   string
	events chan Event
	done   chan error
	cancel context.CancelFunc
}

func startFollower(t *testing.T, content string, tail int) *followFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serial.log")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fx := &followFixture{
		path:   path,
		events: make(chan Event, 64),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	t.Cleanup(cancel)

	fw := NewFollower(path, "test", tail)
	go func() {
		fx.done <- fw.Run(ctx, func(ev Event) error {
			fx.events <- ev
			return nil
		})
	}()
	return fx
}

func (fx *followFixture) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-fx.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (fx *followFixture) nextOfKind(t *testing.T, kind string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-fx.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func line(ev Event) string {
	data, _ := ev.Data.(map[string]any)
	s, _ := data["line"].(string)
	return s
}

func appendLine(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, s); err != nil {
		t.Fatal(err)
	}
}

func TestFollowInitAndBacklog(t *testing.T) {
	fx := startFollower(t, "L1\nL2\nL3\nL4\nL5\n", 2)

	ev := fx.next(t)
	if ev.Kind != EventInit {
		t.Fatalf("first event = %s, want init", ev.Kind)
	}

	if got := line(fx.nextOfKind(t, EventLog)); got != "L4" {
		t.Errorf("backlog[0] = %q, want L4", got)
	}
	if got := line(fx.nextOfKind(t, EventLog)); got != "L5" {
		t.Errorf("backlog[1] = %q, want L5", got)
	}
}

func TestFollowAppendedLinesInOrder(t *testing.T) {
	fx := startFollower(t, "", 10)
	fx.next(t) // init

	appendLine(t, fx.path, "first")
	appendLine(t, fx.path, "second")

	if got := line(fx.nextOfKind(t, EventLog)); got != "first" {
		t.Errorf("log[0] = %q, want first", got)
	}
	if got := line(fx.nextOfKind(t, EventLog)); got != "second" {
		t.Errorf("log[1] = %q, want second", got)
	}
}

func TestFollowTruncationRotation(t *testing.T) {
	fx := startFollower(t, "old-1\nold-2\nold-3\n", 1)
	fx.next(t) // init
	fx.nextOfKind(t, EventLog)

	// copytruncate-style rotation: same inode, size below the cursor.
	if err := os.WriteFile(fx.path, []byte("new-1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	fx.nextOfKind(t, EventInfo)
	if got := line(fx.nextOfKind(t, EventLog)); got != "new-1" {
		t.Errorf("post-rotation line = %q, want new-1", got)
	}
}

func TestFollowRenameRotation(t *testing.T) {
	fx := startFollower(t, "old-1\n", 1)
	fx.next(t) // init
	fx.nextOfKind(t, EventLog)

	// Gapless rename rotation: a replacement file is renamed over the
	// path, so a new inode appears with no window where the path is
	// missing.
	replacement := fx.path + ".new"
	if err := os.WriteFile(replacement, []byte("fresh-1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(replacement, fx.path); err != nil {
		t.Fatal(err)
	}

	fx.nextOfKind(t, EventInfo)
	if got := line(fx.nextOfKind(t, EventLog)); got != "fresh-1" {
		t.Errorf("post-rotation line = %q, want fresh-1", got)
	}
}

func TestFollowDeletedFileTerminates(t *testing.T) {
	fx := startFollower(t, "L1\n", 1)
	fx.next(t) // init
	fx.nextOfKind(t, EventLog)

	if err := os.Remove(fx.path); err != nil {
		t.Fatal(err)
	}

	ev := fx.nextOfKind(t, EventError)
	data, _ := ev.Data.(map[string]any)
	if data["error"] != "Log file was deleted" {
		t.Errorf("error payload = %v", data)
	}

	select {
	case err := <-fx.done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on deletion", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not terminate after deletion")
	}
}

func TestFollowCancelStops(t *testing.T) {
	fx := startFollower(t, "L1\n", 1)
	fx.next(t) // init

	fx.cancel()

	select {
	case err := <-fx.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not observe cancellation")
	}
}

func TestFollowEmitFailureStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.log")
	if err := os.WriteFile(path, []byte("L1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	sentinel := errors.New("client went away")
	fw := NewFollower(path, "test", 1)
	err := fw.Run(context.Background(), func(Event) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("Run returned %v, want emit error", err)
	}
}

func TestFollowPartialLineWaitsForNewline(t *testing.T) {
	fx := startFollower(t, "", 1)
	fx.next(t) // init

	// Write a record in two chunks; only the completed line is
	// emitted, once.
	f, err := os.OpenFile(fx.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("partial")
	f.Sync()

	select {
	case ev := <-fx.events:
		t.Fatalf("unexpected event %v for partial line", ev)
	case <-time.After(1200 * time.Millisecond):
	}

	f.WriteString(" record\n")
	f.Close()

	if got := line(fx.nextOfKind(t, EventLog)); got != "partial record" {
		t.Errorf("line = %q, want %q", got, "partial record")
	}
}
