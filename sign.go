package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Signer produces DKIM-Signature headers for outgoing messages.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the signing key.
	// Supported types: *rsa.PrivateKey, ed25519.PrivateKey
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign.
	// If empty, DefaultSignedHeaders is used.
	Headers []string

	// HeaderCanonicalization is the header canonicalization algorithm.
	// Default is CanonRelaxed.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization is the body canonicalization algorithm.
	// Default is CanonRelaxed.
	BodyCanonicalization Canonicalization

	// Hash is the hash algorithm name. Default is "sha256", which is also
	// the only value accepted for signing; sha1 is verification-only.
	Hash string

	// Identity is the signing identity (i= tag). Its domain must be the
	// signing domain or a subdomain of it.
	Identity string

	// Expiration is the signature validity period (x= tag).
	// If zero, no expiration is set.
	Expiration time.Duration

	// SignTime fixes the signature timestamp (t= tag). If zero, the current
	// time is used. Expiration is counted from this time.
	SignTime time.Time

	// OversignHeaders causes each signed header name to be listed one more
	// time than the field occurs, so a field added later breaks the
	// signature.
	OversignHeaders bool

	// Logger receives debug output when set.
	Logger *slog.Logger
}

// Sign signs a complete RFC 5322 message (headers and body, CRLF line
// endings) and returns the DKIM-Signature header, including the trailing
// CRLF, ready to be prepended to the message.
func (s *Signer) Sign(message []byte) (string, error) {
	msg, err := ParseMessage(message)
	if err != nil {
		return "", fmt.Errorf("parsing message: %w", err)
	}
	return s.SignMessage(msg)
}

// SignMessage signs an already parsed message.
func (s *Signer) SignMessage(msg *Message) (string, error) {
	if err := checkFromCount(msg.Headers); err != nil {
		return "", err
	}
	return s.buildSignature(msg, nil)
}

// checkFromCount enforces the RFC 6376 requirement of exactly one From
// header in a signable message.
func checkFromCount(headers []Header) error {
	fromCount := 0
	for _, h := range headers {
		if h.lkey() == "from" {
			fromCount++
		}
	}
	if fromCount == 0 {
		return ErrFromRequired
	}
	if fromCount > 1 {
		return fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}
	return nil
}

// getAlgorithm determines the signing algorithm from the private key type
// and the configured hash.
func (s *Signer) getAlgorithm() (string, string, error) {
	hashAlg := strings.ToLower(s.Hash)
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch hashAlg {
		case "sha256":
			return "rsa-sha256", "sha256", nil
		case "sha1":
			// rsa-sha1 is accepted when verifying legacy mail but must not
			// be used for new signatures.
			return "", "", fmt.Errorf("%w: rsa-sha1 is verification-only", ErrHashAlgNotAllowed)
		default:
			return "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
		}

	case ed25519.PrivateKey:
		if hashAlg != "sha256" {
			return "", "", fmt.Errorf("%w: ed25519 requires sha256", ErrHashAlgorithmUnknown)
		}
		return "ed25519-sha256", "sha256", nil

	default:
		return "", "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}

// selectSignedHeaders resolves the configured header list against the
// message: From is always included, names absent from the message are
// dropped, and oversigning appends one extra slot per name when enabled.
func (s *Signer) selectSignedHeaders(headers []Header) []string {
	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}

	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	present := make(map[string]int)
	for _, h := range headers {
		present[h.lkey()]++
	}

	var final []string
	for _, h := range signedHeaders {
		if present[strings.ToLower(h)] > 0 {
			final = append(final, h)
		}
	}

	if s.OversignHeaders {
		listed := make(map[string]int)
		for _, h := range final {
			listed[strings.ToLower(h)]++
		}
		for _, h := range final {
			lh := strings.ToLower(h)
			for listed[lh] < present[lh]+1 {
				final = append(final, h)
				listed[lh]++
			}
		}
	}

	return final
}

// bodyHashKey caches body hashes per canonicalization and hash algorithm
// when one message is signed several times.
type bodyHashKey struct {
	canon Canonicalization
	hash  string
}

// buildSignature runs the signing pipeline. bodyHashes may be nil; when
// non-nil it is consulted and populated so multiple signers over the same
// message canonicalize the body once per (canon, hash) pair.
func (s *Signer) buildSignature(msg *Message, bodyHashes map[bodyHashKey][]byte) (string, error) {
	sig := NewSignature()
	sig.Domain = s.Domain
	sig.Selector = s.Selector

	alg, hashAlg, err := s.getAlgorithm()
	if err != nil {
		return "", err
	}
	sig.Algorithm = alg

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)

	sig.SignedHeaders = s.selectSignedHeaders(msg.Headers)

	if s.Identity != "" {
		sig.Identity = s.Identity
	}

	if s.SignTime.IsZero() {
		sig.SignTime = timeNow().Unix()
	} else {
		sig.SignTime = s.SignTime.Unix()
	}
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	h, ok := getHash(hashAlg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	hk := bodyHashKey{canon: bodyCanon, hash: hashAlg}
	bh, cached := bodyHashes[hk]
	if !cached {
		bh, err = bodyHash(h.New(), bodyCanon, bytes.NewReader(msg.Body), -1)
		if err != nil {
			return "", fmt.Errorf("computing body hash: %w", err)
		}
		if bodyHashes != nil {
			bodyHashes[hk] = bh
		}
	}
	sig.BodyHash = bh

	sigHeader, err := sig.Header(false)
	if err != nil {
		return "", fmt.Errorf("generating signature header: %w", err)
	}

	digest, err := dataHash(h.New(), headerCanon, msg.Headers, sig.SignedHeaders, []byte(sigHeader))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}

	signature, err := signHash(s.PrivateKey, h, digest)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	finalHeader, err := sig.Header(true)
	if err != nil {
		return "", fmt.Errorf("generating final signature header: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Debug("signed message",
			slog.String("domain", s.Domain),
			slog.String("selector", s.Selector),
			slog.String("algorithm", alg))
	}

	return finalHeader + "\r\n", nil
}

// SignMultiple signs one message with several signers and returns the
// DKIM-Signature headers concatenated, in signer order. Body hashes are
// shared between signers with the same body canonicalization and hash
// algorithm.
func SignMultiple(message []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	msg, err := ParseMessage(message)
	if err != nil {
		return "", fmt.Errorf("parsing message: %w", err)
	}
	if err := checkFromCount(msg.Headers); err != nil {
		return "", err
	}

	bodyHashes := make(map[bodyHashKey][]byte)

	var result strings.Builder
	for i := range signers {
		header, err := signers[i].buildSignature(msg, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(header)
	}

	return result.String(), nil
}
