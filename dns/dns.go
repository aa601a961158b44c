// Package dns provides the DNS lookup capability used for resolving DKIM
// public-key records.
//
// The core verification logic depends only on the Resolver interface, so it
// can be exercised with canned records (see MockResolver) and remains free of
// transport concerns. Two live implementations are provided: DNSResolver,
// built on github.com/miekg/dns with DNSSEC support, and StdResolver, built
// on the standard library.
package dns

import (
	"context"
	"errors"
	"time"
)

// Lookup errors. Errors are classified so callers can decide between
// retrying later (temporary) and rejecting permanently.
var (
	// ErrDNSNotFound indicates the name does not exist (NXDOMAIN) or carries
	// no records of the requested type.
	ErrDNSNotFound = errors.New("dns: name not found")

	// ErrDNSTimeout indicates the query timed out.
	ErrDNSTimeout = errors.New("dns: query timed out")

	// ErrDNSServFail indicates the server returned SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused indicates the server refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSBogus indicates DNSSEC validation failed upstream.
	ErrDNSBogus = errors.New("dns: dnssec validation failed")
)

// Result holds the answer of a TXT lookup.
type Result struct {
	// Records are the answer records in resolver order.
	Records []string

	// TTL is the smallest TTL among the answer records, zero if unknown.
	TTL time.Duration

	// Authentic indicates the response was DNSSEC-validated.
	Authentic bool
}

// Resolver is the capability the DKIM core needs from DNS: TXT lookups with
// typed errors. Implementations must honor context cancellation.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result, error)
}

// IsNotFound reports whether err means the name or record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a query timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail reports whether err is a server failure.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether err is worth retrying later. Not-found and
// bogus answers are permanent; timeouts, server failures and refusals are
// not.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDNSTimeout) ||
		errors.Is(err, ErrDNSServFail) ||
		errors.Is(err, ErrDNSRefused) ||
		errors.Is(err, context.DeadlineExceeded)
}
