package dns

import (
	"context"
	"slices"
	"time"
)

// MockResolver is a Resolver used for testing. TXT maps FQDNs (with trailing
// dot) to answer records. Names not present return ErrDNSNotFound.
type MockResolver struct {
	TXT map[string][]string

	// Fail contains FQDNs that return a temporary error (SERVFAIL).
	Fail []string

	// Timeout contains FQDNs that return a timeout error.
	Timeout []string

	// TTL is reported on all successful answers.
	TTL time.Duration

	// AllAuthentic sets the default value for Authentic in responses.
	// Overridden by the Authentic and Inauthentic lists.
	AllAuthentic bool

	// Authentic contains FQDNs whose answers report Authentic=true.
	Authentic []string

	// Inauthentic contains FQDNs whose answers report Authentic=false.
	Inauthentic []string
}

var _ Resolver = MockResolver{}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupTXT returns the canned TXT records for the given name.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result, error) {
	fqdn := ensureFQDN(name)

	result := Result{TTL: r.TTL, Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if slices.Contains(r.Fail, fqdn) {
		return result, ErrDNSServFail
	}
	if slices.Contains(r.Timeout, fqdn) {
		return result, ErrDNSTimeout
	}
	if slices.Contains(r.Authentic, fqdn) {
		result.Authentic = true
	}
	if slices.Contains(r.Inauthentic, fqdn) {
		result.Authentic = false
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}
