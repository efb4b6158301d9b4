package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/welldanyogia/tempmail-mta/internal/logger"
)

func saveAt(t *testing.T, s interface {
	Save(context.Context, string, []byte, string) (string, error)
}, setNow func(time.Time), at time.Time, identity, category string) string {
	t.Helper()
	setNow(at)
	name, err := s.Save(context.Background(), identity, []byte("Subject: x\r\n\r\nbody\r\n"), category)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return name
}

func TestFileStoreExpire(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}
	setNow := func(at time.Time) { fs.now = func() time.Time { return at } }

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	old1 := saveAt(t, fs, setNow, base.Add(-72*time.Hour), "bob@local.test", CategoryInbox)
	old2 := saveAt(t, fs, setNow, base.Add(-48*time.Hour), "alice@local.test", CategorySent)
	fresh := saveAt(t, fs, setNow, base.Add(-time.Hour), "bob@local.test", CategoryInbox)
	os.WriteFile(filepath.Join(root, "bob@local.test", CategoryInbox, "notes.txt"), []byte("keep"), 0o640)

	res, err := fs.Expire(context.Background(), base.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if res.Scanned != 3 || res.Expired != 2 || res.Deleted != 2 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.BytesFreed == 0 {
		t.Error("no bytes freed")
	}

	ctx := context.Background()
	if _, err := fs.Load(ctx, "bob@local.test", CategoryInbox, old1); !errors.Is(err, ErrNotFound) {
		t.Errorf("old inbox message still present: %v", err)
	}
	if _, err := fs.Load(ctx, "alice@local.test", CategorySent, old2); !errors.Is(err, ErrNotFound) {
		t.Errorf("old sent message still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bob@local.test", CategoryInbox, old1+".flags.json")); !os.IsNotExist(err) {
		t.Errorf("flags sidecar left behind: %v", err)
	}
	if _, err := fs.Load(ctx, "bob@local.test", CategoryInbox, fresh); err != nil {
		t.Errorf("fresh message removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bob@local.test", CategoryInbox, "notes.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestS3StoreExpire(t *testing.T) {
	objects := newFakeObjects()
	s := NewS3StoreWithClient(objects, "mail")
	setNow := func(at time.Time) { s.now = func() time.Time { return at } }

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	var old []string
	for i := 0; i < 5; i++ {
		old = append(old, saveAt(t, s, setNow, base.Add(-time.Duration(48+i)*time.Hour), "bob@local.test", CategoryInbox))
	}
	fresh := saveAt(t, s, setNow, base, "bob@local.test", CategoryInbox)
	objects.objects["README"] = []byte("not a message")

	res, err := s.Expire(context.Background(), base.Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if res.Scanned != 6 || res.Expired != 5 || res.Deleted != 5 {
		t.Fatalf("result = %+v", res)
	}
	for _, name := range old {
		if _, ok := objects.objects[Key("bob@local.test", CategoryInbox, name)]; ok {
			t.Errorf("%s not deleted", name)
		}
	}
	if _, ok := objects.objects[Key("bob@local.test", CategoryInbox, fresh)]; !ok {
		t.Error("fresh message deleted")
	}
	if _, ok := objects.objects["README"]; !ok {
		t.Error("foreign object deleted")
	}
}

type stubExpirer struct {
	cutoffs []time.Time
	err     error
}

func (s *stubExpirer) Expire(_ context.Context, cutoff time.Time, _ int) (*ExpireResult, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return &ExpireResult{Expired: 1, Deleted: 1}, s.err
}

func TestRetentionJobRunNow(t *testing.T) {
	stub := &stubExpirer{}
	job := NewRetentionJob(stub, RetentionConfig{MaxAge: 24 * time.Hour}, logger.Discard())
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	res, err := job.RunNow(context.Background())
	if err != nil || res.Deleted != 1 {
		t.Fatalf("RunNow = %+v, %v", res, err)
	}
	if want := now.Add(-24 * time.Hour); !stub.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", stub.cutoffs[0], want)
	}
	if job.LastResult() != res {
		t.Error("LastResult not recorded")
	}

	stub.err = errors.New("bucket gone")
	if _, err := job.RunNow(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestRetentionJobStartStop(t *testing.T) {
	stub := &stubExpirer{}
	job := NewRetentionJob(stub, RetentionConfig{MaxAge: time.Hour, Interval: time.Hour}, logger.Discard())

	job.Start()
	job.Start()
	deadline := time.Now().Add(5 * time.Second)
	for job.LastResult() == nil {
		if time.Now().After(deadline) {
			t.Fatal("first pass never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	job.Stop()
	job.Stop()

	if len(stub.cutoffs) != 1 {
		t.Errorf("passes = %d, want 1", len(stub.cutoffs))
	}
}

func TestRetentionDefaults(t *testing.T) {
	job := NewRetentionJob(&stubExpirer{}, RetentionConfig{}, nil)
	if job.config != DefaultRetentionConfig() {
		t.Errorf("config = %+v", job.config)
	}
}
