package dkim

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Header is one message header field as it appeared on the wire.
type Header struct {
	// Name is the field name with its original casing.
	Name string

	// Raw is the complete field including name, colon, folded continuation
	// lines, and the trailing CRLF.
	Raw []byte
}

// lkey returns the lowercased field name.
func (h Header) lkey() string {
	return strings.ToLower(h.Name)
}

// Message is a read-only view of an RFC 5322 message: the ordered header
// fields and the body bytes. It is treated as immutable for the duration of
// a sign or verify call.
type Message struct {
	Headers []Header
	Body    []byte
}

// ParseMessage splits a raw message into its ordered header fields and body.
// Lines must be CRLF-terminated; the header section ends at the first empty
// line.
func ParseMessage(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	headers, bodyOffset, err := parseHeaders(br)
	if err != nil {
		return nil, err
	}
	return &Message{Headers: headers, Body: raw[bodyOffset:]}, nil
}

// Get returns the raw value (text after the colon) of the most recent header
// with the given name, or the empty string if absent.
func (m *Message) Get(name string) string {
	lname := strings.ToLower(name)
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if m.Headers[i].lkey() == lname {
			raw := string(m.Headers[i].Raw)
			if idx := strings.IndexByte(raw, ':'); idx >= 0 {
				return strings.TrimSpace(strings.TrimSuffix(raw[idx+1:], "\r\n"))
			}
		}
	}
	return ""
}

// Signatures returns the raw text of every DKIM-Signature header in the
// message, in message order.
func (m *Message) Signatures() []string {
	var sigs []string
	for _, h := range m.Headers {
		if h.lkey() == "dkim-signature" {
			sigs = append(sigs, string(h.Raw))
		}
	}
	return sigs
}

// GenerateMessageID returns a fresh Message-ID for the given domain,
// e.g. "<01J0A9GD17BCZ6H3Q2W8R4KXVN@example.com>".
func GenerateMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", ulid.Make(), domain)
}

// parseHeaders parses header fields from a reader. Returns the fields and
// the byte offset where the body starts.
func parseHeaders(br *bufio.Reader) ([]Header, int, error) {
	var headers []Header
	var offset int
	var currentKey string
	var currentRaw []byte

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
		}
		offset += len(line)

		// Empty line signals end of headers
		if bytes.Equal(line, []byte("\r\n")) {
			break
		}

		// Continuation of a folded header
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if currentKey == "" {
				return nil, 0, ErrHeaderMalformed
			}
			currentRaw = append(currentRaw, line...)
			continue
		}

		if currentKey != "" {
			headers = append(headers, Header{Name: currentKey, Raw: currentRaw})
		}

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			return nil, 0, ErrHeaderMalformed
		}

		currentKey = strings.TrimRight(string(line[:colonIdx]), " \t")
		currentRaw = bytes.Clone(line)

		for _, c := range currentKey {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrHeaderMalformed
			}
		}
	}

	if currentKey != "" {
		headers = append(headers, Header{Name: currentKey, Raw: currentRaw})
	}

	return headers, offset, nil
}

// readLine reads a line including its CRLF terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		if bytes.HasSuffix(buf, []byte("\r\n")) {
			return buf, nil
		}
	}
}
