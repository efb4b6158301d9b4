package smtp

import (
	"bytes"
	"strings"
)

// maxLineLength bounds a buffered command line
const maxLineLength = 4096

var (
	endOfData      = []byte("\r\n.\r\n")
	emptyDataBlock = []byte(".\r\n")
)

// nextLine splits the first complete line off buf, dropping its CRLF or LF.
// ok is false while buf holds only a partial line.
func nextLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	return bytes.TrimSuffix(buf[:i], []byte{'\r'}), buf[i+1:], true
}

// findEndOfData locates the CRLF "." CRLF marker in buf, searching from offset
// from. bodyLen keeps the CRLF that ends the last body line; next is the offset
// of the first byte after the marker. atStart reports that buf begins right
// after the 354 reply, where a lone ".\r\n" ends an empty body.
func findEndOfData(buf []byte, from int, atStart bool) (bodyLen, next int, ok bool) {
	if atStart && bytes.HasPrefix(buf, emptyDataBlock) {
		return 0, len(emptyDataBlock), true
	}
	if from < 0 {
		from = 0
	}
	if from > len(buf) {
		return 0, 0, false
	}
	i := bytes.Index(buf[from:], endOfData)
	if i < 0 {
		return 0, 0, false
	}
	i += from
	return i + 2, i + len(endOfData), true
}

// unstuff removes the leading dot of every line (RFC 5321 section 4.5.2)
func unstuff(body []byte) []byte {
	out := make([]byte, 0, len(body))
	lineStart := true
	for _, c := range body {
		if lineStart && c == '.' {
			lineStart = false
			continue
		}
		out = append(out, c)
		lineStart = c == '\n'
	}
	return out
}

// parseCommand splits a command line into its upper-cased verb and argument
func parseCommand(line string) (verb, args string) {
	line = strings.TrimSpace(line)
	verb, args, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(args)
}

var knownVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "AUTH": true, "MAIL": true, "RCPT": true, "DATA": true,
	"RSET": true, "NOOP": true, "QUIT": true, "STARTTLS": true,
}

// metricVerb bounds the label set of the command counter
func metricVerb(verb string) string {
	if knownVerbs[verb] {
		return verb
	}
	return "UNKNOWN"
}
