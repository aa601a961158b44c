package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Record is a DKIM public key record, published as a TXT record at
// <selector>._domainkey.<domain> (RFC 6376 Section 3.6.1).
type Record struct {
	Version  string   // v= Version, "DKIM1"
	Hashes   []string // h= Acceptable hash algorithms; empty allows all
	Key      string   // k= Key type, defaults to "rsa"
	Notes    string   // n= Notes for humans
	Pubkey   []byte   // p= Public key data; empty means revoked
	Services []string // s= Service types, defaults to "*"
	Flags    []string // t= Flags

	// PublicKey is the parsed form of Pubkey: *rsa.PublicKey or
	// ed25519.PublicKey. Nil when the key is revoked.
	PublicKey any
}

// HashAllowed reports whether the record permits the given hash algorithm.
// An absent h= tag permits all algorithms.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, h := range r.Hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

// ServiceAllowed reports whether the record permits the given service type.
// An absent s= tag, or one containing "*", permits all services.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == "*" || strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

// IsTesting reports whether the domain is testing DKIM (flag y). Verifiers
// treat signatures from testing domains as unsigned for policy purposes
// but still report the outcome.
func (r *Record) IsTesting() bool {
	return r.hasFlag("y")
}

// RequireStrictAlignment reports whether the i= domain must match d=
// exactly (flag s), with no subdomain allowance.
func (r *Record) RequireStrictAlignment() bool {
	return r.hasFlag("s")
}

func (r *Record) hasFlag(flag string) bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// IsRevoked reports whether the key has been revoked (empty p= tag).
func (r *Record) IsRevoked() bool {
	return len(r.Pubkey) == 0
}

// ToTXT renders the record as TXT record text for publishing in DNS.
func (r *Record) ToTXT() string {
	var b strings.Builder
	b.WriteString("v=DKIM1;")
	if len(r.Hashes) > 0 {
		b.WriteString(" h=")
		b.WriteString(strings.Join(r.Hashes, ":"))
		b.WriteByte(';')
	}
	if r.Key != "" {
		b.WriteString(" k=")
		b.WriteString(r.Key)
		b.WriteByte(';')
	}
	if r.Notes != "" {
		b.WriteString(" n=")
		b.WriteString(encodeQP(r.Notes))
		b.WriteByte(';')
	}
	if len(r.Services) > 0 {
		b.WriteString(" s=")
		b.WriteString(strings.Join(r.Services, ":"))
		b.WriteByte(';')
	}
	if len(r.Flags) > 0 {
		b.WriteString(" t=")
		b.WriteString(strings.Join(r.Flags, ":"))
		b.WriteByte(';')
	}
	b.WriteString(" p=")
	b.WriteString(base64.StdEncoding.EncodeToString(r.Pubkey))
	return b.String()
}

// ParseRecord parses DKIM key record text. The second return value reports
// whether the text is recognizable as a DKIM record at all: a TXT record
// that does not look like DKIM (for example an SPF record sharing the name)
// should be skipped rather than treated as a syntax error.
func ParseRecord(txt string) (*Record, bool, error) {
	sc := &tagScanner{s: txt}
	tags, err := scanTagList(sc)
	if err != nil {
		return nil, looksLikeDKIMRecord(txt), fmt.Errorf("%w: %v", ErrRecordSyntax, err)
	}

	record := &Record{Key: "rsa"}
	seen := make(map[string]bool)
	hasKeyData := false

	for i, tag := range tags {
		// Tag names are case-sensitive (RFC 6376 Section 3.2).
		if seen[tag.name] {
			return nil, true, fmt.Errorf("%w: duplicate tag %s", ErrRecordSyntax, tag.name)
		}
		seen[tag.name] = true

		switch tag.name {
		case "v":
			// When present, v= must be first and must be DKIM1.
			if i != 0 || tag.value != "DKIM1" {
				return nil, looksLikeDKIMRecord(txt), fmt.Errorf("%w: bad version %q", ErrRecordSyntax, tag.value)
			}
			record.Version = tag.value

		case "h":
			record.Hashes = splitColonList(strings.ToLower(tag.value))

		case "k":
			record.Key = strings.ToLower(tag.value)

		case "n":
			record.Notes = decodeQP(tag.value)

		case "p":
			hasKeyData = true
			if v := stripWS(tag.value); v != "" {
				decoded, err := base64.StdEncoding.DecodeString(v)
				if err != nil {
					return nil, true, fmt.Errorf("%w: invalid key encoding: %v", ErrRecordSyntax, err)
				}
				record.Pubkey = decoded
			}

		case "s":
			record.Services = splitColonList(strings.ToLower(tag.value))

		case "t":
			record.Flags = splitColonList(strings.ToLower(tag.value))

		default:
			// Unrecognized tags must be ignored.
		}
	}

	if !hasKeyData {
		return nil, looksLikeDKIMRecord(txt), fmt.Errorf("%w: missing p= tag", ErrRecordSyntax)
	}

	if !record.IsRevoked() {
		key, err := parsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, err
		}
		record.PublicKey = key
	}

	return record, true, nil
}

// looksLikeDKIMRecord reports whether TXT text plausibly is a DKIM key
// record rather than unrelated data sharing the record name.
func looksLikeDKIMRecord(txt string) bool {
	t := strings.TrimSpace(txt)
	return strings.HasPrefix(t, "v=DKIM1") || strings.HasPrefix(t, "k=") || strings.HasPrefix(t, "p=")
}

// parsePublicKey decodes p= key material for the given k= key type. RSA
// keys are SubjectPublicKeyInfo per RFC 6376, with a fallback to bare
// PKCS#1 since some published records carry that form. Ed25519 keys are
// the raw 32 bytes per RFC 8463.
func parsePublicKey(keyType string, data []byte) (any, error) {
	switch keyType {
	case "rsa":
		pub, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			rsaPub, pkcs1Err := x509.ParsePKCS1PublicKey(data)
			if pkcs1Err != nil {
				return nil, fmt.Errorf("%w: cannot parse rsa public key: %v", ErrRecordSyntax, err)
			}
			return rsaPub, nil
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: p= is not an rsa key", ErrRecordSyntax)
		}
		return rsaPub, nil

	case "ed25519":
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d",
				ErrRecordSyntax, ed25519.PublicKeySize, len(data))
		}
		return ed25519.PublicKey(data), nil

	default:
		return nil, fmt.Errorf("%w: unsupported key type %q", ErrRecordSyntax, keyType)
	}
}
