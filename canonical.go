package dkim

import (
	"bufio"
	"bytes"
	"hash"
	"io"
	"strings"
)

var crlf = []byte("\r\n")

// canonicalHeaderRelaxed returns the header in relaxed canonicalization,
// without a trailing CRLF (RFC 6376 Section 3.4.2):
//   - Convert the field name to lowercase
//   - Unfold continuation lines
//   - Compress runs of WSP to a single space
//   - Trim WSP around the value
func canonicalHeaderRelaxed(header string) (string, error) {
	idx := strings.Index(header, ":")
	if idx == -1 {
		return "", ErrHeaderMalformed
	}

	name := strings.ToLower(strings.TrimRight(header[:idx], " \t"))
	value := header[idx+1:]

	// Unfold (remove CRLF followed by WSP)
	value = strings.ReplaceAll(value, "\r\n\t", " ")
	value = strings.ReplaceAll(value, "\r\n ", " ")
	value = strings.ReplaceAll(value, "\n\t", " ")
	value = strings.ReplaceAll(value, "\n ", " ")
	value = strings.TrimSuffix(value, "\r\n")

	var result strings.Builder
	prevWS := false
	for _, c := range value {
		if c == ' ' || c == '\t' {
			if !prevWS {
				result.WriteByte(' ')
				prevWS = true
			}
		} else {
			result.WriteRune(c)
			prevWS = false
		}
	}

	return name + ":" + strings.TrimSpace(result.String()), nil
}

// canonicalHeaderSimple returns the header unchanged except for the trailing
// CRLF, which is stripped (RFC 6376 Section 3.4.1).
func canonicalHeaderSimple(header string) string {
	return strings.TrimSuffix(header, "\r\n")
}

// canonicalizeBody writes the canonicalized body to w.
//
// Simple (RFC 6376 Section 3.4.3): the body is reproduced unchanged except
// that trailing empty lines are removed and exactly one terminating CRLF is
// guaranteed; an empty body canonicalizes to a single CRLF.
//
// Relaxed (Section 3.4.4): within each line, WSP runs compress to a single
// space and trailing WSP is removed; trailing empty lines are removed; one
// terminating CRLF is guaranteed unless the body is empty, in which case the
// output is empty.
func canonicalizeBody(w io.Writer, canon Canonicalization, body io.Reader) error {
	if canon == CanonSimple {
		return canonicalizeBodySimple(w, body)
	}
	return canonicalizeBodyRelaxed(w, body)
}

func canonicalizeBodySimple(w io.Writer, body io.Reader) error {
	br := bufio.NewReader(body)

	// Count trailing CRLFs, only write one at the end
	numTrailingCRLF := 0

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return err
		}

		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}

		if len(line) > 0 {
			for i := 0; i < numTrailingCRLF; i++ {
				if _, err := w.Write(crlf); err != nil {
					return err
				}
			}
			numTrailingCRLF = 0
			if _, err := w.Write(line); err != nil {
				return err
			}
		}

		if hasCRLF {
			numTrailingCRLF++
		}
	}

	// Always end with exactly one CRLF
	_, err := w.Write(crlf)
	return err
}

func canonicalizeBodyRelaxed(w io.Writer, body io.Reader) error {
	br := bufio.NewReader(body)

	// Buffer empty lines so trailing ones can be dropped
	emptyLines := 0
	unterminated := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return err
		}

		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}

		line = bytes.TrimRight(line, " \t")

		var processed []byte
		prevWS := false
		for _, b := range line {
			if b == ' ' || b == '\t' {
				if !prevWS {
					processed = append(processed, ' ')
					prevWS = true
				}
			} else {
				processed = append(processed, b)
				prevWS = false
			}
		}

		if len(processed) == 0 {
			if hasCRLF {
				emptyLines++
			}
			continue
		}

		for i := 0; i < emptyLines; i++ {
			if _, err := w.Write(crlf); err != nil {
				return err
			}
		}
		emptyLines = 0

		if _, err := w.Write(processed); err != nil {
			return err
		}
		if hasCRLF {
			if _, err := w.Write(crlf); err != nil {
				return err
			}
		}
		unterminated = !hasCRLF
	}

	// Content written without a line ending gets one added; a body with no
	// content at all stays empty.
	if unterminated {
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}

	return nil
}

// limitWriter feeds at most limit canonical bytes into the hash while
// counting the full canonical length, so l= truncation and the
// l-exceeds-body check share one pass.
type limitWriter struct {
	h     hash.Hash
	limit int64 // -1 means unlimited
	total int64 // canonical bytes seen
}

func (w *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.limit < 0 {
		w.h.Write(p)
	} else if w.total < w.limit {
		m := w.limit - w.total
		if m > int64(n) {
			m = int64(n)
		}
		w.h.Write(p[:m])
	}
	w.total += int64(n)
	return n, nil
}

// bodyHash computes the hash of the canonicalized body. When limit is
// non-negative only the first limit canonical bytes are hashed; a limit
// beyond the canonicalized length is an error.
func bodyHash(h hash.Hash, canon Canonicalization, body io.Reader, limit int64) ([]byte, error) {
	lw := &limitWriter{h: h, limit: limit}
	if err := canonicalizeBody(lw, canon, body); err != nil {
		return nil, err
	}
	if limit >= 0 && limit > lw.total {
		return nil, ErrBodyLengthInvalid
	}
	return h.Sum(nil), nil
}

// dataHash computes the hash of the signed header fields followed by the
// DKIM-Signature header itself (with b= empty), per RFC 6376 Section 3.7.
//
// Header names listed in signedHeaders consume instances of that field from
// the bottom of the message up. A name listed more often than the field
// occurs covers a nonexistent field, which hashes as the null string; adding
// such a field later therefore breaks the signature (oversigning).
func dataHash(h hash.Hash, canon Canonicalization, headers []Header, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	// Index header instances most recent first.
	remaining := make(map[string][]Header)
	for i := len(headers) - 1; i >= 0; i-- {
		lkey := headers[i].lkey()
		remaining[lkey] = append(remaining[lkey], headers[i])
	}

	for _, key := range signedHeaders {
		lkey := strings.ToLower(key)
		hdrs := remaining[lkey]
		if len(hdrs) == 0 {
			// Nonexistent field: null string, nothing hashed.
			continue
		}

		hdr := hdrs[0]
		remaining[lkey] = hdrs[1:]

		if canon == CanonSimple {
			h.Write([]byte(canonicalHeaderSimple(string(hdr.Raw))))
		} else {
			canonical, err := canonicalHeaderRelaxed(string(hdr.Raw))
			if err != nil {
				return nil, err
			}
			h.Write([]byte(canonical))
		}
		h.Write(crlf)
	}

	// The DKIM-Signature header being created or verified is hashed last,
	// without a trailing CRLF.
	if canon == CanonSimple {
		h.Write([]byte(canonicalHeaderSimple(string(sigHeader))))
	} else {
		canonical, err := canonicalHeaderRelaxed(string(sigHeader))
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
	}

	return h.Sum(nil), nil
}
