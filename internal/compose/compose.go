// Package compose builds RFC 5322 messages for outbound and locally submitted mail.
package compose

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// base64 body lines are wrapped at this width
const lineWidth = 76

// ErrNoSender is returned when a message has no From address
var ErrNoSender = errors.New("compose: message has no sender")

// Attachment is a file carried in a multipart/mixed message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message describes a message to build. Zero MessageID and Date are filled in by Build.
type Message struct {
	MessageID   string
	Date        time.Time
	From        string
	To          []string
	Cc          []string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Build renders m as CRLF-terminated wire bytes
func Build(m *Message) ([]byte, error) {
	if strings.TrimSpace(m.From) == "" {
		return nil, ErrNoSender
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	msgID := m.MessageID
	if msgID == "" {
		msgID = NewMessageID(m.From)
	}

	var buf bytes.Buffer
	writeHeader(&buf, "Message-ID", msgID)
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "From", m.From)
	if len(m.To) > 0 {
		writeHeader(&buf, "To", strings.Join(m.To, ", "))
	}
	if len(m.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(m.Cc, ", "))
	}
	writeHeader(&buf, "Subject", encodeWord(m.Subject))
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(m.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, m.Text); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	writeHeader(&buf, "Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	buf.WriteString("\r\n")

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("compose: text part: %w", err)
	}
	if err := writeQuotedPrintable(pw, m.Text); err != nil {
		return nil, err
	}

	for _, a := range m.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: close multipart: %w", err)
	}

	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// NewMessageID returns "<uuid@domain>" using the domain of from, or "localhost"
func NewMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 {
		d := strings.Trim(from[at+1:], "<> ")
		if d != "" {
			domain = d
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func writeAttachment(mw *multipart.Writer, a Attachment) error {
	mediaType, params, err := mime.ParseMediaType(a.ContentType)
	if err != nil {
		mediaType, params = "application/octet-stream", map[string]string{}
	}
	name := encodeWord(a.Filename)
	params["name"] = name

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(mediaType, params))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("compose: attachment %q: %w", a.Filename, err)
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > lineWidth {
		if _, err := fmt.Fprintf(pw, "%s\r\n", encoded[:lineWidth]); err != nil {
			return err
		}
		encoded = encoded[lineWidth:]
	}
	if len(encoded) > 0 {
		if _, err := fmt.Fprintf(pw, "%s\r\n", encoded); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w io.Writer, text string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(text)); err != nil {
		return fmt.Errorf("compose: encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("compose: encode body: %w", err)
	}
	if !strings.HasSuffix(text, "\n") {
		_, err := w.Write([]byte("\r\n"))
		return err
	}
	return nil
}

// encodeWord applies RFC 2047 B-encoding when s is not plain ASCII
func encodeWord(s string) string {
	if isASCII(s) {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return mime.BEncoding.Encode("UTF-8", s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
