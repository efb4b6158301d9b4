package main

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/welldanyogia/tempmail-mta/internal/delivery"
	"github.com/welldanyogia/tempmail-mta/internal/status"
)

func TestAddressList(t *testing.T) {
	var l addressList
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&l, "to", "")
	if err := fs.Parse([]string{"-to", "a@x.test, b@x.test", "-to", "c@y.test", "-to", " , "}); err != nil {
		t.Fatal(err)
	}
	if l.String() != "a@x.test,b@x.test,c@y.test" {
		t.Errorf("addresses = %q", l.String())
	}
}

func TestOutgoing(t *testing.T) {
	dir := t.TempDir()
	body := filepath.Join(dir, "body.txt")
	pdf := filepath.Join(dir, "report.pdf")
	os.WriteFile(body, []byte("hello\n"), 0o644)
	os.WriteFile(pdf, []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"), 0o644)

	out, err := outgoing("alice@local.test", []string{"bob@remote.test"}, nil, "hi", body, []string{pdf})
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if out.Text != "hello\n" || len(out.Attachments) != 1 {
		t.Fatalf("outgoing = %+v", out)
	}
	if a := out.Attachments[0]; a.Filename != "report.pdf" || a.ContentType != "application/pdf" {
		t.Errorf("attachment = %s %s", a.Filename, a.ContentType)
	}

	if _, err := outgoing("", []string{"bob@remote.test"}, nil, "", body, nil); err == nil {
		t.Error("missing sender accepted")
	}
	if _, err := outgoing("alice@local.test", nil, nil, "", body, nil); err == nil {
		t.Error("missing recipients accepted")
	}
	if _, err := outgoing("alice@local.test", []string{"bob@remote.test"}, nil, "", filepath.Join(dir, "nope"), nil); err == nil {
		t.Error("missing body file accepted")
	}
}

func TestReport(t *testing.T) {
	sub := &delivery.Submission{
		Filename:  "1700000000000_0123456789abcdef.eml",
		MessageID: "<id@local.test>",
		Outcomes: map[string]*delivery.Outcome{
			"carol@remote.test": {
				State:  status.Failed,
				Target: delivery.Target{Host: "remote.test", Source: delivery.SourceFallback, Degraded: true},
				Err:    errors.New("delivery: connect remote.test:25: refused"),
			},
			"bob@local.test": {State: status.Success, Local: true},
		},
	}

	var buf bytes.Buffer
	if failed := report(&buf, sub); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("report = %q", buf.String())
	}
	if !strings.HasPrefix(lines[1], "bob@local.test") || !strings.Contains(lines[1], "success") || !strings.Contains(lines[1], "local") {
		t.Errorf("local line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "remote.test (degraded)") || !strings.Contains(lines[2], "refused") {
		t.Errorf("remote line = %q", lines[2])
	}
}
