package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/nettramail/dkim/dns"
)

// KeyCache stores resolved key record text between verifications. Lookups
// are keyed by the query name <selector>._domainkey.<domain>. The cache
// holds the raw TXT text rather than the parsed record so the stored form
// stays independent of parser changes.
type KeyCache interface {
	// Get returns the cached TXT text and whether it was DNSSEC-validated.
	// ok is false on a miss or an expired entry.
	Get(name string) (txt string, authentic bool, ok bool)

	// Set stores TXT text for the given lifetime.
	Set(name string, txt string, authentic bool, ttl time.Duration)
}

// Verifier verifies the DKIM-Signature headers of incoming messages.
type Verifier struct {
	// Resolver is the DNS resolver for key record lookups.
	// If nil, a resolver backed by net.Resolver is used.
	Resolver dns.Resolver

	// Cache, when set, is consulted before DNS and populated after a
	// successful lookup.
	Cache KeyCache

	// Policy can reject otherwise acceptable signatures. Return an error
	// to reject the signature with StatusPolicy. If nil, all signatures
	// are accepted.
	Policy func(*Signature) error

	// MinRSAKeyBits is the minimum RSA key size to accept.
	// Default is 1024 (per RFC 8301).
	MinRSAKeyBits int

	// Concurrency bounds how many signatures are verified in parallel.
	// Default is 4.
	Concurrency int

	// Logger receives debug output when set.
	Logger *slog.Logger
}

// Verify verifies every DKIM-Signature header in a complete RFC 5322
// message. It returns one Result per signature, in message order; an empty
// slice means the message is unsigned. The returned error reports only
// problems with the message itself, never with individual signatures.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]Result, error) {
	msg, err := ParseMessage(message)
	if err != nil {
		return nil, err
	}
	return v.VerifyMessage(ctx, msg)
}

// VerifyMessage verifies an already parsed message. Signatures are verified
// independently and concurrently; results keep message order.
func (v *Verifier) VerifyMessage(ctx context.Context, msg *Message) ([]Result, error) {
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return nil, nil
	}

	concurrency := v.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]Result, len(sigs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, raw := range sigs {
		i, raw := i, raw
		g.Go(func() error {
			results[i] = v.verifyOne(ctx, msg, raw)
			return nil
		})
	}
	g.Wait()

	if v.Logger != nil {
		for _, r := range results {
			attrs := []any{slog.String("status", string(r.Status))}
			if r.Signature != nil {
				attrs = append(attrs,
					slog.String("domain", r.Signature.Domain),
					slog.String("selector", r.Signature.Selector))
			}
			v.Logger.Debug("verified signature", attrs...)
		}
	}

	return results, nil
}

// verifyOne runs the verification pipeline for a single signature header.
// The cheap local checks come first: the body hash is compared before any
// DNS traffic or public key work, so a modified body fails without
// touching the network.
func (v *Verifier) verifyOne(ctx context.Context, msg *Message, rawHeader string) Result {
	sig, verifySig, err := ParseSignature(rawHeader)
	if err != nil {
		return Result{
			Status: StatusPermerror,
			Err:    fmt.Errorf("parsing signature: %w", err),
		}
	}

	result := Result{Signature: sig}

	hashFunc, headerCanon, bodyCanon, err := checkSignatureParams(sig)
	if err != nil {
		result.Status = StatusPermerror
		result.Err = err
		return result
	}

	// Expiration is recorded but does not affect the outcome; clock drift
	// between signer and verifier makes it unreliable as a hard failure.
	result.Expired = sig.IsExpired(timeNow().Unix())

	if v.Policy != nil {
		if err := v.Policy(sig); err != nil {
			result.Status = StatusPolicy
			result.Err = fmt.Errorf("%w: %v", ErrPolicy, err)
			return result
		}
	}

	bh, err := bodyHash(hashFunc.New(), bodyCanon, bytes.NewReader(msg.Body), sig.Length)
	if err != nil {
		result.Status = StatusPermerror
		result.Err = fmt.Errorf("computing body hash: %w", err)
		return result
	}
	if !bytes.Equal(sig.BodyHash, bh) {
		result.Status = StatusFail
		result.Err = fmt.Errorf("%w: header declares %x, body hashes to %x",
			ErrBodyHashMismatch, sig.BodyHash, bh)
		return result
	}

	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	result.Record = record
	result.RecordAuthentic = authentic
	if err != nil {
		if IsTemporaryError(err) {
			result.Status = StatusTemperror
		} else {
			result.Status = StatusPermerror
		}
		result.Err = err
		return result
	}

	// Testing (t=y) is advisory as well: the signature is evaluated
	// normally and the flag is surfaced for the caller's policy layer.
	result.Testing = record.IsTesting()

	status, err := v.verifyWithRecord(record, sig, hashFunc, headerCanon, msg.Headers, verifySig)
	result.Status = status
	result.Err = err
	return result
}

// checkSignatureParams validates the parameters of a parsed signature
// before any expensive work.
func checkSignatureParams(sig *Signature) (crypto.Hash, Canonicalization, Canonicalization, error) {
	// From must be among the signed headers
	hasFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return 0, "", "", ErrFromRequired
	}

	// Refuse signatures claiming to be from a bare public suffix
	if isTLD(sig.Domain) {
		return 0, "", "", fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	hashAlg := sig.AlgorithmHash()
	h, ok := getHash(hashAlg)
	if !ok {
		return 0, "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	switch sig.AlgorithmKeyType() {
	case "rsa", "ed25519":
	default:
		return 0, "", "", fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, sig.Algorithm)
	}

	headerCanon := sig.HeaderCanon()
	bodyCanon := sig.BodyCanon()
	if headerCanon != CanonSimple && headerCanon != CanonRelaxed {
		return 0, "", "", fmt.Errorf("%w: header %s", ErrCanonicalizationUnknown, headerCanon)
	}
	if bodyCanon != CanonSimple && bodyCanon != CanonRelaxed {
		return 0, "", "", fmt.Errorf("%w: body %s", ErrCanonicalizationUnknown, bodyCanon)
	}

	// Only dns/txt is defined; an absent q= implies it
	if len(sig.QueryMethods) > 0 {
		hasDNS := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				hasDNS = true
				break
			}
		}
		if !hasDNS {
			return 0, "", "", fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
		}
	}

	return h, headerCanon, bodyCanon, nil
}

// verifyWithRecord checks the signature against a resolved key record.
func (v *Verifier) verifyWithRecord(
	record *Record,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon Canonicalization,
	headers []Header,
	verifySig []byte,
) (Status, error) {
	if record.IsRevoked() {
		return StatusPermerror, ErrKeyRevoked
	}

	if !record.HashAllowed(sig.AlgorithmHash()) {
		return StatusPermerror, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.AlgorithmHash())
	}

	if !strings.EqualFold(record.Key, sig.AlgorithmKeyType()) {
		return StatusPermerror, fmt.Errorf("%w: record holds a %s key, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.AlgorithmKeyType())
	}

	if err := v.checkKeySize(record); err != nil {
		return StatusPermerror, err
	}

	if !record.ServiceAllowed("email") {
		return StatusPermerror, ErrKeyNotForEmail
	}

	// Flag s requires the i= domain to equal d= exactly
	if record.RequireStrictAlignment() && sig.Identity != "" {
		if atIdx := strings.LastIndex(sig.Identity, "@"); atIdx >= 0 {
			identityDomain := strings.ToLower(sig.Identity[atIdx+1:])
			if identityDomain != sig.Domain {
				return StatusPermerror, fmt.Errorf("%w: record requires strict alignment",
					ErrDomainIdentityMismatch)
			}
		}
	}

	digest, err := dataHash(hashFunc.New(), headerCanon, headers, sig.SignedHeaders, verifySig)
	if err != nil {
		return StatusPermerror, fmt.Errorf("computing data hash: %w", err)
	}

	if err := verifyHash(record.PublicKey, hashFunc, digest, sig.Signature); err != nil {
		return StatusFail, err
	}

	return StatusPass, nil
}

// lookup resolves and parses the key record for selector and domain,
// consulting the cache first. Multiple TXT records at the name are joined
// in resolver order and parsed as one record; if the joined text is not a
// valid record the lookup permanently fails rather than guessing which
// fragment was meant.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	name := selector + "._domainkey." + domain

	if v.Cache != nil {
		if txt, authentic, ok := v.Cache.Get(name); ok {
			record, _, err := ParseRecord(txt)
			if err != nil {
				return nil, authentic, err
			}
			return record, authentic, nil
		}
	}

	resolver := v.Resolver
	if resolver == nil {
		resolver = dns.NewStdResolver()
	}

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}
	if len(result.Records) == 0 {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}

	txt := strings.Join(result.Records, "")
	record, isDKIM, err := ParseRecord(txt)
	if err != nil {
		if !isDKIM {
			// Unrelated TXT data at the name, e.g. an SPF record.
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, err
	}

	if v.Cache != nil {
		v.Cache.Set(name, txt, result.Authentic, result.TTL)
	}

	return record, result.Authentic, nil
}

// checkKeySize rejects RSA keys below the configured minimum.
func (v *Verifier) checkKeySize(record *Record) error {
	rsaKey, ok := record.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil
	}
	minBits := v.MinRSAKeyBits
	if minBits == 0 {
		minBits = 1024 // RFC 8301 minimum
	}
	if rsaKey.N.BitLen() < minBits {
		return fmt.Errorf("%w: %d bits, minimum %d", ErrWeakKey, rsaKey.N.BitLen(), minBits)
	}
	return nil
}

// IsTemporaryError reports whether a Result's Err indicates a condition a
// later retry might clear, such as a DNS timeout or SERVFAIL.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if dns.IsTemporary(err) {
		return true
	}
	if errors.Is(err, ErrDNS) {
		// Failed DNSSEC validation is a permanent answer; other
		// unclassified resolver failures are retried.
		return !errors.Is(err, dns.ErrDNSBogus)
	}
	return false
}

// Verify is a convenience function verifying a message with default
// Verifier settings.
func Verify(ctx context.Context, resolver dns.Resolver, message []byte) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, message)
}

// isTLD reports whether a domain is a public suffix ("com", "co.uk") or
// sits above the organizational level, using the Public Suffix List.
// Signatures must come from an organizational domain or below.
func isTLD(domain string) bool {
	if domain == "" {
		return true
	}
	domain = strings.TrimSuffix(domain, ".")

	// A domain at or below its eTLD+1 is acceptable; EffectiveTLDPlusOne
	// errors when the domain itself is a public suffix.
	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return true
	}
	return !strings.EqualFold(domain, etldPlusOne) &&
		!strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(etldPlusOne))
}
