package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature is the parsed or constructed form of a DKIM-Signature header
// (RFC 6376 Section 3.5). It is immutable once parsed or built.
type Signature struct {
	// Required fields
	Version       int      // v= Version, must be 1
	Algorithm     string   // a= Algorithm (e.g., "rsa-sha256")
	Signature     []byte   // b= Signature data
	BodyHash      []byte   // bh= Body hash
	Domain        string   // d= Signing domain
	SignedHeaders []string // h= Signed header fields
	Selector      string   // s= Selector

	// Optional fields
	Canonicalization string   // c= Canonicalization (e.g., "relaxed/simple")
	Identity         string   // i= Agent or User Identifier (AUID)
	Length           int64    // l= Body length limit (-1 if not set)
	QueryMethods     []string // q= Query methods
	SignTime         int64    // t= Signature timestamp (-1 if not set)
	ExpireTime       int64    // x= Signature expiration (-1 if not set)
	CopiedHeaders    []string // z= Copied header fields

	// Extra holds unrecognized tags in wire order. They are preserved for
	// inspection but ignored during verification.
	Extra []Tag
}

// Tag is one tag=value pair from a signature or key record.
type Tag struct {
	Name  string
	Value string
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// AlgorithmKeyType returns the key-type half of a=, e.g. "rsa" from
// "rsa-sha256".
func (s *Signature) AlgorithmKeyType() string {
	keyType, _, _ := strings.Cut(s.Algorithm, "-")
	return keyType
}

// AlgorithmHash returns the hash half of a=, e.g. "sha256" from
// "rsa-sha256".
func (s *Signature) AlgorithmHash() string {
	_, hash, _ := strings.Cut(s.Algorithm, "-")
	return hash
}

// HeaderCanon returns the header canonicalization algorithm.
func (s *Signature) HeaderCanon() Canonicalization {
	head, _, _ := strings.Cut(s.Canonicalization, "/")
	if head == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(head))
}

// BodyCanon returns the body canonicalization algorithm. When c= names only
// the header algorithm, the body algorithm defaults to simple.
func (s *Signature) BodyCanon() Canonicalization {
	_, body, ok := strings.Cut(s.Canonicalization, "/")
	if !ok || body == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(body))
}

// IsExpired reports whether the signature's x= time is before now.
func (s *Signature) IsExpired(now int64) bool {
	return s.ExpireTime >= 0 && s.ExpireTime < now
}

// headerWriter builds DKIM-Signature headers with RFC 5322 folding. It
// tracks line length and folds to a new line when needed.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

// add adds text, folding to a new line if it would exceed maxLen.
func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

// addf formats and adds text.
func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be wrapped at any position (like base64).
func (w *headerWriter) addWrap(data []byte) {
	const maxLen = 76

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *headerWriter) String() string {
	return w.b.String()
}

// Header generates the DKIM-Signature header text, without a trailing CRLF.
// With includeSignature false the b= value is left empty, producing the
// exact form hashed during signing.
func (s *Signature) Header(includeSignature bool) (string, error) {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "a=%s;", s.Algorithm)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)

	// Canonicalization, omitted when it is the simple/simple default
	if s.Canonicalization != "" &&
		!strings.EqualFold(s.Canonicalization, "simple") &&
		!strings.EqualFold(s.Canonicalization, "simple/simple") {
		w.addf(" ", "c=%s;", s.Canonicalization)
	}

	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}

	// Query methods, omitted for the dns/txt default
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.addf(" ", "q=%s;", strings.Join(s.QueryMethods, ":"))
	}

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}
	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	if len(s.SignedHeaders) > 0 {
		for i, h := range s.SignedHeaders {
			sep := ""
			if i == 0 {
				h = "h=" + h
				sep = " "
			}
			if i < len(s.SignedHeaders)-1 {
				h += ":"
			} else {
				h += ";"
			}
			w.add(sep, h)
		}
	}

	if len(s.CopiedHeaders) > 0 {
		for i, h := range s.CopiedHeaders {
			name, value, ok := strings.Cut(h, ":")
			var encoded string
			if ok {
				encoded = encodeQP(name) + ":" + encodeQP(value)
			} else {
				encoded = encodeQP(h)
			}

			sep := ""
			if i == 0 {
				encoded = "z=" + encoded
				sep = " "
			}
			if i < len(s.CopiedHeaders)-1 {
				encoded += "|"
			} else {
				encoded += ";"
			}
			w.add(sep, encoded)
		}
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String(), nil
}

// tagScanner walks the tag-list grammar of RFC 6376 Section 3.2 over the
// original header text, recording value spans so the b= value can be cut
// out of the copy hashed during verification.
type tagScanner struct {
	s   string
	pos int
}

func (sc *tagScanner) done() bool {
	return sc.pos >= len(sc.s)
}

func (sc *tagScanner) peek() byte {
	if sc.done() {
		return 0
	}
	return sc.s[sc.pos]
}

// skipFWS advances over folding whitespace: WSP, and CRLF or bare LF
// followed by WSP.
func (sc *tagScanner) skipFWS() {
	for sc.pos < len(sc.s) {
		c := sc.s[sc.pos]
		switch {
		case c == ' ' || c == '\t':
			sc.pos++
		case c == '\r' && sc.pos+2 < len(sc.s) && sc.s[sc.pos+1] == '\n' &&
			(sc.s[sc.pos+2] == ' ' || sc.s[sc.pos+2] == '\t'):
			sc.pos += 3
		case c == '\n' && sc.pos+1 < len(sc.s) &&
			(sc.s[sc.pos+1] == ' ' || sc.s[sc.pos+1] == '\t'):
			sc.pos += 2
		default:
			return
		}
	}
}

// tagName consumes a tag name: ALPHA *(ALPHA / DIGIT / "_").
func (sc *tagScanner) tagName() string {
	start := sc.pos
	for sc.pos < len(sc.s) {
		c := sc.s[sc.pos]
		isAlpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
		isExt := c >= '0' && c <= '9' || c == '_'
		if !isAlpha && !(sc.pos > start && isExt) {
			break
		}
		sc.pos++
	}
	return sc.s[start:sc.pos]
}

// tagValue consumes everything up to the next unquoted ';' or end of input
// and returns the raw span bounds. FWS embedded in the value (wrapped
// base64) is kept in the span; interpretation is per tag.
func (sc *tagScanner) tagValue() (start, end int) {
	start = sc.pos
	for sc.pos < len(sc.s) && sc.s[sc.pos] != ';' {
		sc.pos++
	}
	return start, sc.pos
}

// parsedTag is one scanned tag with the span of its raw value.
type parsedTag struct {
	name     string
	value    string // raw value with surrounding FWS trimmed
	valStart int    // index just after '=' (before FWS)
	valEnd   int    // index of the terminating ';' or end of input
}

// scanTagList parses the tag-list portion of text (everything after the
// header colon) into tags in wire order.
func scanTagList(sc *tagScanner) ([]parsedTag, error) {
	var tags []parsedTag
	for {
		sc.skipFWS()
		if sc.done() {
			return tags, nil
		}
		name := sc.tagName()
		if name == "" {
			return nil, fmt.Errorf("%w: expected tag name at offset %d", ErrHeaderMalformed, sc.pos)
		}
		sc.skipFWS()
		if sc.peek() != '=' {
			return nil, fmt.Errorf("%w: expected '=' after tag %q", ErrHeaderMalformed, name)
		}
		sc.pos++
		valStart := sc.pos
		start, end := sc.tagValue()
		raw := sc.s[start:end]
		tags = append(tags, parsedTag{
			name:     name,
			value:    strings.Trim(raw, " \t\r\n"),
			valStart: valStart,
			valEnd:   sc.pos,
		})
		if sc.peek() == ';' {
			sc.pos++
			continue
		}
		// end of input
		return tags, nil
	}
}

// stripWS removes all whitespace, used for base64 values that may be
// folded across lines.
func stripWS(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

// splitColonList splits a colon-separated tag value, trimming FWS around
// each element and dropping empties.
func splitColonList(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ":") {
		e = strings.Trim(e, " \t\r\n")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ParseSignature parses a DKIM-Signature header. The input must include the
// header name and may be folded. It returns the parsed signature and the
// original header text with the b= value removed, which is the byte
// sequence covered by the signature itself.
func ParseSignature(header string) (*Signature, []byte, error) {
	input := strings.TrimSuffix(header, "\r\n")

	name, rest, ok := strings.Cut(input, ":")
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing colon", ErrHeaderMalformed)
	}
	if !strings.EqualFold(strings.TrimSpace(name), "dkim-signature") {
		return nil, nil, fmt.Errorf("%w: not a DKIM-Signature header", ErrHeaderMalformed)
	}
	prefixLen := len(input) - len(rest)

	sc := &tagScanner{s: input, pos: prefixLen}
	tags, err := scanTagList(sc)
	if err != nil {
		return nil, nil, err
	}

	sig := NewSignature()
	seen := make(map[string]bool)
	bStart, bEnd := -1, -1

	for _, tag := range tags {
		// Tag names are case-sensitive (RFC 6376 Section 3.2): "B=" is an
		// unknown tag, not the signature.
		if seen[tag.name] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag.name)
		}
		seen[tag.name] = true

		switch tag.name {
		case "v":
			v, err := strconv.Atoi(tag.value)
			if err != nil || v != 1 {
				return nil, nil, fmt.Errorf("%w: %q", ErrInvalidVersion, tag.value)
			}
			sig.Version = v

		case "a":
			sig.Algorithm = strings.ToLower(tag.value)

		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWS(tag.value))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrHeaderMalformed, err)
			}
			sig.Signature = decoded
			bStart, bEnd = tag.valStart, tag.valEnd

		case "bh":
			decoded, err := base64.StdEncoding.DecodeString(stripWS(tag.value))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid body hash encoding: %v", ErrHeaderMalformed, err)
			}
			sig.BodyHash = decoded

		case "c":
			sig.Canonicalization = strings.ToLower(stripWS(tag.value))

		case "d":
			sig.Domain = strings.ToLower(stripWS(tag.value))

		case "h":
			sig.SignedHeaders = splitColonList(tag.value)

		case "i":
			sig.Identity = stripWS(tag.value)

		case "l":
			l, err := strconv.ParseInt(tag.value, 10, 64)
			if err != nil || l < 0 {
				return nil, nil, fmt.Errorf("%w: invalid length %q", ErrHeaderMalformed, tag.value)
			}
			sig.Length = l

		case "q":
			sig.QueryMethods = splitColonList(tag.value)

		case "s":
			sig.Selector = strings.ToLower(stripWS(tag.value))

		case "t":
			t, err := strconv.ParseInt(tag.value, 10, 64)
			if err != nil || t < 0 {
				return nil, nil, fmt.Errorf("%w: invalid timestamp %q", ErrHeaderMalformed, tag.value)
			}
			sig.SignTime = t

		case "x":
			x, err := strconv.ParseInt(tag.value, 10, 64)
			if err != nil || x < 0 {
				return nil, nil, fmt.Errorf("%w: invalid expiration %q", ErrHeaderMalformed, tag.value)
			}
			sig.ExpireTime = x

		case "z":
			for _, h := range strings.Split(stripWS(tag.value), "|") {
				if h != "" {
					sig.CopiedHeaders = append(sig.CopiedHeaders, decodeQP(h))
				}
			}

		default:
			sig.Extra = append(sig.Extra, Tag{Name: tag.name, Value: tag.value})
		}
	}

	// Required tags, RFC 6376 Section 3.5
	for _, required := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[required] {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTag, required)
		}
	}
	if len(sig.SignedHeaders) == 0 {
		return nil, nil, fmt.Errorf("%w: h= names no header fields", ErrHeaderMalformed)
	}

	// The body hash length must match the declared hash algorithm.
	switch sig.AlgorithmHash() {
	case "sha1":
		if len(sig.BodyHash) != 20 {
			return nil, nil, fmt.Errorf("%w: got %d bytes, want 20 for sha1", ErrBodyHashLength, len(sig.BodyHash))
		}
	case "sha256":
		if len(sig.BodyHash) != 32 {
			return nil, nil, fmt.Errorf("%w: got %d bytes, want 32 for sha256", ErrBodyHashLength, len(sig.BodyHash))
		}
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, nil, fmt.Errorf("%w: sign time not before expire time", ErrHeaderMalformed)
	}

	// The i= domain must be the d= domain or a subdomain of it.
	if sig.Identity != "" {
		if atIdx := strings.LastIndex(sig.Identity, "@"); atIdx >= 0 {
			identityDomain := strings.ToLower(sig.Identity[atIdx+1:])
			if identityDomain != sig.Domain && !strings.HasSuffix(identityDomain, "."+sig.Domain) {
				return nil, nil, fmt.Errorf("%w: identity domain %q not under signing domain %q",
					ErrDomainIdentityMismatch, identityDomain, sig.Domain)
			}
		}
	}

	// The verification copy is the original text with the b= value cut out.
	verifySig := input
	if bStart >= 0 {
		verifySig = input[:bStart] + input[bEnd:]
	}

	return sig, []byte(verifySig), nil
}

// encodeQP encodes a header value for the z= tag using DKIM
// quoted-printable (RFC 6376 Section 2.11).
func encodeQP(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// dkim-safe-char: printable ASCII except ; = | :
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' && c != ':' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// decodeQP decodes DKIM quoted-printable text.
func decodeQP(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}
