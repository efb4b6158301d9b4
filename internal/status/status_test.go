package status

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

// exerciseTracker runs the behaviour every backend must share
func exerciseTracker(t *testing.T, tr Tracker) {
	t.Helper()
	ctx := context.Background()
	const owner, file = "alice@local.test", "1700000000000_0123456789abcdef.eml"

	if _, err := tr.Get(ctx, owner, file); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty tracker err = %v", err)
	}

	steps := []struct {
		rcpt   string
		state  State
		reason string
	}{
		{"bob@remote.test", Pending, ""},
		{"carol@remote.test", Pending, ""},
		{"bob@remote.test", Sending, ""},
		{"bob@remote.test", Success, ""},
		{"carol@remote.test", Failed, "550 5.1.1 user unknown"},
	}
	for _, s := range steps {
		if err := tr.SetStatus(ctx, owner, file, s.state, s.rcpt, s.reason); err != nil {
			t.Fatalf("SetStatus(%s, %s): %v", s.rcpt, s.state, err)
		}
	}

	recs, err := tr.Get(ctx, owner, file)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(recs), recs)
	}
	if recs[0].Recipient != "bob@remote.test" || recs[0].State != Success {
		t.Errorf("bob = %+v", recs[0])
	}
	if recs[1].Recipient != "carol@remote.test" || recs[1].State != Failed || recs[1].Reason != "550 5.1.1 user unknown" {
		t.Errorf("carol = %+v", recs[1])
	}

	if err := tr.SetStatus(ctx, owner, file, State("lost"), "bob@remote.test", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("invalid state err = %v", err)
	}
}

func TestMemoryTracker(t *testing.T) {
	exerciseTracker(t, NewMemoryTracker())
}

func TestBadgerTracker(t *testing.T) {
	tr, err := OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer tr.Close()
	exerciseTracker(t, tr)
}

func TestBadgerTrackerPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tr, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	if err := tr.SetStatus(ctx, "o", "f.eml", Success, "r@x", ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr, err = OpenBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr.Close()
	recs, err := tr.Get(ctx, "o", "f.eml")
	if err != nil || len(recs) != 1 || recs[0].State != Success {
		t.Fatalf("after reopen: %+v, %v", recs, err)
	}
}

// The last state written for a recipient is the one returned.
func TestLastWriteWins(t *testing.T) {
	states := []State{Pending, Sending, Success, Failed}
	rapid.Check(t, func(t *rapid.T) {
		tr := NewMemoryTracker()
		seq := rapid.SliceOfN(rapid.SampledFrom(states), 1, 20).Draw(t, "seq")
		for _, s := range seq {
			if err := tr.SetStatus(context.Background(), "o", "f", s, "r", ""); err != nil {
				t.Fatal(err)
			}
		}
		recs, err := tr.Get(context.Background(), "o", "f")
		if err != nil || len(recs) != 1 || recs[0].State != seq[len(seq)-1] {
			t.Fatalf("got %+v, %v; want %s", recs, err, seq[len(seq)-1])
		}
	})
}
