package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

const simpleMessage = "Received: from me (127.0.0.1) by mx.local with ESMTP id s1; Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"From: \"Alice\" <alice@example.com>\r\n" +
	"To: bob@mx.local, carol@mx.local\r\n" +
	"Cc: dave@example.org\r\n" +
	"Subject: =?UTF-8?B?SGVsbG8gd8O2cmxk?=\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"\r\n" +
	"body text\r\n"

func TestParseSimple(t *testing.T) {
	p := New(0)
	msg, err := p.Parse([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if msg.From != "alice@example.com" || msg.FromName != "Alice" {
		t.Errorf("From = %q / %q", msg.From, msg.FromName)
	}
	if len(msg.To) != 2 || msg.To[1] != "carol@mx.local" {
		t.Errorf("To = %v", msg.To)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "dave@example.org" {
		t.Errorf("Cc = %v", msg.Cc)
	}
	if msg.Subject != "Hello wörld" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.MessageID != "<abc@example.com>" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if !msg.Date.Equal(time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC)) {
		t.Errorf("Date = %v", msg.Date)
	}
	if strings.TrimSpace(msg.Text) != "body text" {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.Headers["Received"] == "" {
		t.Error("Received header not extracted")
	}

	if res := p.Validate(msg); !res.IsValid {
		t.Errorf("Validate: %v", res.Errors)
	}
}

func TestValidateAcceptsMinimalMessage(t *testing.T) {
	p := New(0)
	msg, err := p.Parse([]byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res := p.Validate(msg); !res.IsValid {
		t.Fatalf("message without From/Date rejected: %v", res.Errors)
	}
	if !msg.IsValid {
		t.Fatal("IsValid not recorded on message")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		maxSize int64
	}{
		{"no header section", "\r\njust a body\r\n", 0},
		{"bad from", "From: <<<>>>\r\nSubject: x\r\n\r\nbody\r\n", 0},
		{"encoded injection", "Subject: hi%0d%0aBcc: victim@example.com\r\n\r\nbody\r\n", 0},
		{"too large", "Subject: hi\r\n\r\n" + strings.Repeat("x", 2048) + "\r\n", 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.maxSize)
			msg, err := p.Parse([]byte(tt.raw))
			if err != nil {
				return
			}
			res := p.Validate(msg)
			if res.IsValid {
				t.Fatal("expected validation failure")
			}
			if len(res.Errors) == 0 || len(msg.Errors) == 0 {
				t.Fatal("errors not reported")
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := New(0).Parse(nil)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Stage != "parse" {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestParseAttachments(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: files\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf; name=\"=?UTF-8?B?csOpc3Vtw6kucGRm?=\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"Content-Disposition: attachment; filename=\"=?UTF-8?B?csOpc3Vtw6kucGRm?=\"\r\n" +
		"\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--XYZ--\r\n"

	msg, err := New(0).Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.HasAttachments() || len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(msg.Attachments))
	}
	a := msg.Attachments[0]
	if a.Filename != "résumé.pdf" {
		t.Errorf("Filename = %q", a.Filename)
	}
	if string(a.Data) != "%PDF-1.4" {
		t.Errorf("Data = %q", a.Data)
	}
	if strings.TrimSpace(msg.Text) != "see attached" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestSecurityScan(t *testing.T) {
	p := New(0)

	tests := []struct {
		name string
		msg  *ParsedMessage
		safe bool
	}{
		{"plain", &ParsedMessage{From: "a@example.com", Text: "hi"}, true},
		{"script", &ParsedMessage{HTML: "<p>x</p><script>alert(1)</script>"}, false},
		{"executable", &ParsedMessage{Attachments: []*Attachment{{Filename: "invoice.exe", ContentType: "application/octet-stream"}}}, false},
		{"spoofed name", &ParsedMessage{From: "mallory@evil.example", FromName: "support@bank.example"}, false},
		{"honest name", &ParsedMessage{From: "alice@example.com", FromName: "alice@example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.SecurityScan(tt.msg)
			if res.IsSafe != tt.safe {
				t.Fatalf("IsSafe = %v, warnings %v", res.IsSafe, res.Warnings)
			}
			if !tt.safe && len(res.Warnings) == 0 {
				t.Fatal("unsafe result without warnings")
			}
		})
	}
}

func TestHeaderInjectionDetection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-zA-Z0-9 ]*`).Draw(t, "prefix")
		suffix := rapid.StringMatching(`[a-zA-Z0-9 ]*`).Draw(t, "suffix")
		seq := rapid.SampledFrom([]string{"\r\n", "\r", "\n", "%0d%0a", "%0D", "%0a"}).Draw(t, "seq")

		if !ContainsCRLFInjection(prefix + seq + suffix) {
			t.Fatalf("injection %q not detected", seq)
		}
		if ContainsCRLFInjection(prefix + suffix) {
			t.Fatalf("false positive on %q", prefix+suffix)
		}
	})
}

func TestTruncateHeader(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 3000).Draw(t, "n")
		out := TruncateHeader(strings.Repeat("a", n))
		if len(out) > MaxHeaderLength {
			t.Fatalf("len %d exceeds limit", len(out))
		}
		if n <= MaxHeaderLength && len(out) != n {
			t.Fatalf("short header modified")
		}
	})
}
