package presence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
}

func TestFollow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "ext-system.log")
	if err := os.WriteFile(path, []byte("before start\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	clock := clockwork.NewFakeClock()
	lines := make(chan string, 8)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- Follow(runCtx, path, clock, time.Second, func(line string) { lines <- line })
	}()

	next := func() string {
		t.Helper()
		select {
		case l := <-lines:
			return l
		case <-ctx.Done():
			t.Fatal("no line delivered")
			return ""
		}
	}
	wait := func() {
		t.Helper()
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("follower never polled: %v", err)
		}
	}

	wait()
	appendFile(t, path, "first\nsec")
	clock.Advance(time.Second)
	if got := next(); got != "first\n" {
		t.Fatalf("line = %q", got)
	}

	wait()
	appendFile(t, path, "ond\n")
	clock.Advance(time.Second)
	if got := next(); got != "second\n" {
		t.Fatalf("partial line = %q", got)
	}

	wait()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	wait()
	appendFile(t, path, "after truncate\n")
	clock.Advance(time.Second)
	if got := next(); got != "after truncate\n" {
		t.Fatalf("line after truncate = %q", got)
	}

	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Follow = %v, want context.Canceled", err)
	}
	select {
	case l := <-lines:
		t.Fatalf("unexpected line %q", l)
	default:
	}
}
