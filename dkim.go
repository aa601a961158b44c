// Package dkim implements DomainKeys Identified Mail (DKIM) signing and
// verification per RFC 6376.
//
// DKIM allows a sender to associate a domain name with an email message by
// adding a DKIM-Signature header containing a cryptographic signature of
// selected message headers and the message body. Receivers verify the
// signature against a public key published in DNS at
// <selector>._domainkey.<domain>.
//
// This implementation supports:
//   - RSA-SHA256 (required by RFC 6376)
//   - RSA-SHA1 (deprecated; verification only)
//   - Ed25519-SHA256 (RFC 8463)
//
// # Basic Usage
//
// Signing a message:
//
//	signer := dkim.Signer{
//	    Domain:     "example.com",
//	    Selector:   "selector1",
//	    PrivateKey: privateKey,
//	}
//	header, err := signer.Sign(message)
//
// Verifying a message:
//
//	verifier := dkim.Verifier{Resolver: resolver}
//	results, err := verifier.Verify(ctx, message)
//	for _, r := range results {
//	    if r.Status == dkim.StatusPass {
//	        // Signature verified
//	    }
//	}
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"time"
)

// Status is the outcome of verifying one DKIM-Signature, per RFC 8601.
type Status string

const (
	// StatusNone indicates the message was not signed.
	StatusNone Status = "none"

	// StatusPass indicates the signature was verified successfully.
	StatusPass Status = "pass"

	// StatusFail indicates the signature verification failed: the body hash
	// or the cryptographic signature did not match.
	StatusFail Status = "fail"

	// StatusPolicy indicates the signature is not accepted by caller policy.
	StatusPolicy Status = "policy"

	// StatusNeutral indicates the signature could not be processed.
	StatusNeutral Status = "neutral"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout);
	// a later retry may succeed.
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid syntax,
	// revoked key, algorithm mismatch).
	StatusPermerror Status = "permerror"
)

// Canonicalization identifies a header or body canonicalization algorithm.
type Canonicalization string

const (
	// CanonSimple is the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed is the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

// Lookup errors.
var (
	ErrNoRecord     = errors.New("dkim: no key record found for selector and domain")
	ErrDNS          = errors.New("dkim: key record lookup failed")
	ErrRecordSyntax = errors.New("dkim: malformed key record")
)

// Signature and verification errors.
var (
	ErrSigAlgMismatch          = errors.New("dkim: key type mismatch between signature and key record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not permitted by key record")
	ErrKeyNotForEmail          = errors.New("dkim: key record not allowed for email")
	ErrDomainIdentityMismatch  = errors.New("dkim: domain and identity mismatch")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyHashMismatch        = errors.New("dkim: body hash mismatch")
	ErrBodyLengthInvalid       = errors.New("dkim: body length limit exceeds canonicalized body")
	ErrSigVerify               = errors.New("dkim: signature invalid")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: message header is malformed")
	ErrFromRequired            = errors.New("dkim: from header must be signed")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key revoked")
	ErrWeakKey                 = errors.New("dkim: key is too weak")
	ErrPolicy                  = errors.New("dkim: signature rejected by policy")
	ErrMissingTag              = errors.New("dkim: missing required tag")
	ErrDuplicateTag            = errors.New("dkim: duplicate tag")
	ErrInvalidVersion          = errors.New("dkim: invalid version")
	ErrTLD                     = errors.New("dkim: signing domain is a top-level domain")
	ErrBodyHashLength          = errors.New("dkim: body hash length mismatch")
)

// Result is the conclusion of verifying one DKIM-Signature header. A message
// can carry multiple signatures; each is verified independently and yields
// its own Result.
type Result struct {
	// Status is the verification outcome.
	Status Status

	// Signature is the parsed DKIM-Signature header. Nil when the header
	// could not be parsed.
	Signature *Signature

	// Record is the parsed key record resolved from DNS. Nil when
	// resolution failed or was not reached.
	Record *Record

	// RecordAuthentic indicates the key record was DNSSEC-validated.
	RecordAuthentic bool

	// Expired records that the signature's x= time is in the past at
	// verification time. Advisory: it never changes Status.
	Expired bool

	// Testing records that the key record carries the t=y testing flag.
	// Advisory: it never changes Status.
	Testing bool

	// Err holds the failure details when Status is not StatusPass; check
	// with errors.Is against the package sentinel errors.
	Err error
}

// DefaultSignedHeaders is the default list of headers to sign. These headers
// are commonly signed for message integrity.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

// MinimumSignedHeaders is the minimum set of headers that should be signed.
var MinimumSignedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
}

// timeNow is used for testing.
var timeNow = time.Now

// cryptoRand is the random source for signing.
var cryptoRand = rand.Reader

// getHash returns the crypto.Hash for the given algorithm name.
func getHash(algorithm string) (crypto.Hash, bool) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	default:
		return 0, false
	}
}

// signHash signs a digest with the given private key.
func signHash(key crypto.Signer, hash crypto.Hash, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, digest, hash)
	case ed25519.PrivateKey:
		// Ed25519 uses PureEdDSA over the unhashed input.
		return k.Sign(cryptoRand, digest, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}

// verifyHash verifies a signature over a digest with the given public key.
func verifyHash(key any, hash crypto.Hash, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, hash, digest, signature); err != nil {
			return ErrSigVerify
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}
