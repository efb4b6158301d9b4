package parser

import (
	"time"
)

// ParsedMessage is the structured form of a raw RFC 5322 message
type ParsedMessage struct {
	From        string            `json:"from"`
	FromName    string            `json:"from_name"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc"`
	Subject     string            `json:"subject"`
	Date        time.Time         `json:"date"`
	MessageID   string            `json:"message_id"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	Headers     map[string]string `json:"headers"`
	Attachments []*Attachment     `json:"attachments"`
	SizeBytes   int64             `json:"size_bytes"`
	IsValid     bool              `json:"is_valid"`
	Errors      []string          `json:"errors,omitempty"`
	Raw         []byte            `json:"-"`

	// problems found while parsing, reported by Validate
	problems []string
}

// HasAttachments reports whether the message carries at least one attachment
func (m *ParsedMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Attachment is a decoded attachment part
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ValidationResult is returned by Validate
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// ScanResult is returned by SecurityScan. Warnings never block delivery.
type ScanResult struct {
	IsSafe        bool
	Warnings      []string
	SanitizedHTML string
}

// ParseError represents an error during message parsing
type ParseError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Err != nil {
		return e.Stage + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Stage + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Header names
const (
	HeaderFrom      = "From"
	HeaderTo        = "To"
	HeaderCc        = "Cc"
	HeaderSubject   = "Subject"
	HeaderDate      = "Date"
	HeaderMessageID = "Message-Id"
)

// Limits
const (
	MaxHeaderLength = 1000
	DefaultMaxSize  = 52428800
)
