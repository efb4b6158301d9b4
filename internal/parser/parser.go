// Package parser turns raw messages into structured fields and checks them.
package parser

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"path"
	"regexp"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/jhillyerd/enmime"

	"github.com/welldanyogia/tempmail-mta/internal/sanitizer"
)

var addrInTextRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Parser parses, validates and scans messages. It is safe for concurrent use.
type Parser struct {
	maxSize   int64
	sanitizer *sanitizer.HTMLSanitizer
}

// New creates a Parser that rejects messages larger than maxSize bytes.
// A maxSize of 0 selects DefaultMaxSize.
func New(maxSize int64) *Parser {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Parser{
		maxSize:   maxSize,
		sanitizer: sanitizer.NewHTMLSanitizer(),
	}
}

// Parse parses raw into a ParsedMessage. Structural problems that do not
// prevent parsing are recorded and reported later by Validate.
func (p *Parser) Parse(raw []byte) (*ParsedMessage, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Stage: "parse", Message: "empty message"}
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Stage: "parse", Message: "read envelope", Err: err}
	}

	msg := &ParsedMessage{
		Text:      env.Text,
		HTML:      env.HTML,
		SizeBytes: int64(len(raw)),
		Raw:       raw,
	}

	if !hasHeaderSection(raw) {
		msg.problems = append(msg.problems, "message has no header section")
	}

	msg.Headers = p.extractHeaders(env, msg)
	msg.Subject = msg.Headers[HeaderSubject]
	msg.MessageID = strings.TrimSpace(env.GetHeader(HeaderMessageID))

	msg.From, msg.FromName = p.extractFrom(env, msg)
	msg.To = p.extractAddressList(env, HeaderTo, msg)
	msg.Cc = p.extractAddressList(env, HeaderCc, msg)

	if d := strings.TrimSpace(env.GetHeader(HeaderDate)); d != "" {
		if t, err := dateparse.ParseAny(d); err == nil {
			msg.Date = t
		}
	}

	for _, part := range env.Attachments {
		msg.Attachments = append(msg.Attachments, &Attachment{
			Filename:    decodeFilename(part.FileName),
			ContentType: part.ContentType,
			Data:        part.Content,
			SizeBytes:   int64(len(part.Content)),
		})
	}

	for _, e := range env.Errors {
		if e.Severe {
			msg.problems = append(msg.problems, e.Error())
		}
	}

	return msg, nil
}

// Validate checks a parsed message and records the outcome on it.
// A missing From or Date header is accepted.
func (p *Parser) Validate(msg *ParsedMessage) ValidationResult {
	errs := append([]string(nil), msg.problems...)
	if msg.SizeBytes > p.maxSize {
		errs = append(errs, fmt.Sprintf("message size %d exceeds limit %d", msg.SizeBytes, p.maxSize))
	}

	msg.IsValid = len(errs) == 0
	msg.Errors = errs
	return ValidationResult{IsValid: msg.IsValid, Errors: errs}
}

// executable attachment extensions flagged by SecurityScan
var riskyExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".vbs": true, ".js": true, ".jar": true, ".msi": true,
	".ps1": true, ".hta": true, ".lnk": true, ".dll": true,
}

// SecurityScan looks for suspicious content. It never fails; callers log the warnings.
func (p *Parser) SecurityScan(msg *ParsedMessage) ScanResult {
	var warnings []string

	report := p.sanitizer.Inspect(msg.HTML)
	for _, f := range report.Findings {
		warnings = append(warnings, "html: "+f)
	}

	if msg.FromName != "" {
		if spoofed := addrInTextRe.FindString(msg.FromName); spoofed != "" && !strings.EqualFold(spoofed, msg.From) {
			warnings = append(warnings, fmt.Sprintf("display name spoofs address %s", spoofed))
		}
	}

	for _, a := range msg.Attachments {
		ext := strings.ToLower(path.Ext(a.Filename))
		if riskyExtensions[ext] {
			warnings = append(warnings, fmt.Sprintf("executable attachment %q", a.Filename))
		}
		if want := mime.TypeByExtension(ext); want != "" && a.ContentType != "" && !sameMediaType(want, a.ContentType) && !riskyExtensions[ext] {
			warnings = append(warnings, fmt.Sprintf("attachment %q declared as %s", a.Filename, a.ContentType))
		}
	}

	return ScanResult{
		IsSafe:        len(warnings) == 0,
		Warnings:      warnings,
		SanitizedHTML: report.Sanitized,
	}
}

// extractHeaders returns the first decoded value of every header, truncated to
// MaxHeaderLength. Values carrying CR/LF injection are recorded as problems.
func (p *Parser) extractHeaders(env *enmime.Envelope, msg *ParsedMessage) map[string]string {
	headers := make(map[string]string)
	if env.Root == nil {
		return headers
	}
	for key, values := range env.Root.Header {
		if len(values) == 0 {
			continue
		}
		if ContainsCRLFInjection(key) {
			msg.problems = append(msg.problems, fmt.Sprintf("header injection in key %q", key))
			continue
		}
		for _, v := range values {
			if ContainsCRLFInjection(v) {
				msg.problems = append(msg.problems, fmt.Sprintf("header injection in %s", key))
			}
		}
		headers[key] = TruncateHeader(DecodeHeader(values[0]))
	}
	return headers
}

func (p *Parser) extractFrom(env *enmime.Envelope, msg *ParsedMessage) (address, name string) {
	raw := env.GetHeader(HeaderFrom)
	if strings.TrimSpace(raw) == "" {
		return "", ""
	}
	addrs, err := env.AddressList(HeaderFrom)
	if err != nil || len(addrs) == 0 {
		msg.problems = append(msg.problems, fmt.Sprintf("unparseable From header %q", TruncateHeader(raw)))
		return addrInTextRe.FindString(raw), ""
	}
	return addrs[0].Address, addrs[0].Name
}

func (p *Parser) extractAddressList(env *enmime.Envelope, key string, msg *ParsedMessage) []string {
	raw := env.GetHeader(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	addrs, err := env.AddressList(key)
	if err != nil {
		msg.problems = append(msg.problems, fmt.Sprintf("unparseable %s header %q", key, TruncateHeader(raw)))
		return addrInTextRe.FindAllString(raw, -1)
	}
	return addressStrings(addrs)
}

func addressStrings(addrs []*mail.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// hasHeaderSection reports whether raw starts with at least one header field
func hasHeaderSection(raw []byte) bool {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	line = bytes.TrimRight(line, "\r")
	colon := bytes.IndexByte(line, ':')
	return colon > 0 && !bytes.ContainsAny(line[:colon], " \t")
}

func sameMediaType(a, b string) bool {
	ma, _, errA := mime.ParseMediaType(a)
	mb, _, errB := mime.ParseMediaType(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return strings.EqualFold(ma, mb)
}

// DecodeHeader decodes RFC 2047 encoded words, returning value unchanged on failure
func DecodeHeader(value string) string {
	if !strings.Contains(value, "=?") {
		return value
	}
	decoded, err := new(mime.WordDecoder).DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func decodeFilename(name string) string {
	return DecodeHeader(name)
}

// ContainsCRLFInjection checks a header key or value for raw or URL-encoded CR/LF
func ContainsCRLFInjection(s string) bool {
	if strings.ContainsAny(s, "\r\n") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%0d") || strings.Contains(lower, "%0a")
}

// TruncateHeader truncates a header value to MaxHeaderLength bytes
func TruncateHeader(value string) string {
	if len(value) > MaxHeaderLength {
		return value[:MaxHeaderLength]
	}
	return value
}
