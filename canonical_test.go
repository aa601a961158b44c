package dkim

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func base64Decode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestCanonicalHeaderRelaxed(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		// RFC 6376 Section 3.4.5 example
		{"A: X\r\n", "a:X"},
		{"B : Y\t\r\n\tZ  \r\n", "b:Y Z"},
		// WSP runs compress to a single space
		{"Subject: Hello   World  \r\n", "subject:Hello World"},
		// Tabs and spaces are equivalent
		{"Subject:\t\t hello\t there\r\n", "subject:hello there"},
		// Folded lines unfold to a single space
		{"Received: from a\r\n by b\r\n", "received:from a by b"},
		// Empty value
		{"X-Empty:\r\n", "x-empty:"},
		// Value with no leading space
		{"To:x@example.org\r\n", "to:x@example.org"},
	}

	for _, tc := range tests {
		got, err := canonicalHeaderRelaxed(tc.in)
		if err != nil {
			t.Errorf("canonicalHeaderRelaxed(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("canonicalHeaderRelaxed(%q) = %q, want %q", tc.in, got, tc.want)
		}

		// Relaxed canonicalization is idempotent
		again, err := canonicalHeaderRelaxed(got + "\r\n")
		if err != nil {
			t.Errorf("idempotence of %q: %v", got, err)
			continue
		}
		if again != got {
			t.Errorf("not idempotent: %q -> %q", got, again)
		}
	}

	if _, err := canonicalHeaderRelaxed("no colon here\r\n"); !errors.Is(err, ErrHeaderMalformed) {
		t.Errorf("missing colon: got %v, want ErrHeaderMalformed", err)
	}
}

func TestCanonicalHeaderSimple(t *testing.T) {
	in := "Subject: Hello   World  \r\n"
	if got := canonicalHeaderSimple(in); got != "Subject: Hello   World  " {
		t.Errorf("canonicalHeaderSimple(%q) = %q", in, got)
	}
}

func bodyHashString(t *testing.T, canon Canonicalization, body string, limit int64) []byte {
	t.Helper()
	bh, err := bodyHash(crypto.SHA256.New(), canon, strings.NewReader(body), limit)
	if err != nil {
		t.Fatalf("bodyHash(%s, %q, %d): %v", canon, body, limit, err)
	}
	return bh
}

func TestBodyHash(t *testing.T) {
	// Empty body: simple canonicalizes to CRLF, relaxed to nothing
	simpleGot := bodyHashString(t, CanonSimple, "", -1)
	simpleWant := base64Decode("frcCV1k9oG9oKj3dpUqdJg1PxRT2RSN/XKdLCPjaYaY=")
	if !bytes.Equal(simpleGot, simpleWant) {
		t.Errorf("simple empty body hash = %x, want %x", simpleGot, simpleWant)
	}

	relaxedGot := bodyHashString(t, CanonRelaxed, "", -1)
	relaxedWant := base64Decode("47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=")
	if !bytes.Equal(relaxedGot, relaxedWant) {
		t.Errorf("relaxed empty body hash = %x, want %x", relaxedGot, relaxedWant)
	}

	// RFC 6376 Section 3.4.5 example. The trailing whitespace below is
	// part of the test data.
	exampleIn := strings.ReplaceAll(` c
d 	 e


`, "\n", "\r\n")

	relaxedOut := strings.ReplaceAll(` c
d e
`, "\n", "\r\n")
	wantRelaxed := sha256.Sum256([]byte(relaxedOut))
	if got := bodyHashString(t, CanonRelaxed, exampleIn, -1); !bytes.Equal(got, wantRelaxed[:]) {
		t.Errorf("relaxed body hash mismatch for section 3.4.5 example")
	}

	simpleOut := strings.ReplaceAll(` c
d 	 e
`, "\n", "\r\n")
	wantSimple := sha256.Sum256([]byte(simpleOut))
	if got := bodyHashString(t, CanonSimple, exampleIn, -1); !bytes.Equal(got, wantSimple[:]) {
		t.Errorf("simple body hash mismatch for section 3.4.5 example")
	}

	// RFC 8463 relaxed body example
	relaxedBody := strings.ReplaceAll(`Hi.

We lost the game.  Are you hungry yet?

Joe.

`, "\n", "\r\n")
	want := base64Decode("2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=")
	if got := bodyHashString(t, CanonRelaxed, relaxedBody, -1); !bytes.Equal(got, want) {
		t.Errorf("relaxed body hash mismatch for RFC 8463 example")
	}

	// Missing final CRLF gets one added
	a := bodyHashString(t, CanonSimple, "test", -1)
	b := bodyHashString(t, CanonSimple, "test\r\n", -1)
	if !bytes.Equal(a, b) {
		t.Errorf("simple: missing final CRLF should canonicalize identically")
	}

	// Trailing empty lines are dropped
	a = bodyHashString(t, CanonRelaxed, "test\r\n\r\n\r\n", -1)
	b = bodyHashString(t, CanonRelaxed, "test\r\n", -1)
	if !bytes.Equal(a, b) {
		t.Errorf("relaxed: trailing empty lines should canonicalize identically")
	}

	// A trailing whitespace-only line without a line ending trims to an
	// empty line and is dropped
	a = bodyHashString(t, CanonRelaxed, "test\r\n \t ", -1)
	b = bodyHashString(t, CanonRelaxed, "test\r\n", -1)
	if !bytes.Equal(a, b) {
		t.Errorf("relaxed: unterminated whitespace line should canonicalize identically")
	}

	// Interior empty lines are preserved
	a = bodyHashString(t, CanonSimple, "a\r\n\r\nb\r\n", -1)
	b = bodyHashString(t, CanonSimple, "a\r\nb\r\n", -1)
	if bytes.Equal(a, b) {
		t.Errorf("simple: interior empty line should affect the hash")
	}
}

func TestBodyHashLimit(t *testing.T) {
	body := "test\r\nmore\r\n" // canonicalizes to itself, 12 bytes

	// A limit covering a prefix hashes only that prefix
	limited := bodyHashString(t, CanonSimple, body, 6)
	prefix := sha256.Sum256([]byte("test\r\n"))
	if !bytes.Equal(limited, prefix[:]) {
		t.Errorf("limit 6: got %x, want hash of first 6 canonical bytes", limited)
	}

	// A limit of the full canonical length equals the unlimited hash
	full := bodyHashString(t, CanonSimple, body, 12)
	unlimited := bodyHashString(t, CanonSimple, body, -1)
	if !bytes.Equal(full, unlimited) {
		t.Errorf("limit equal to body length should match unlimited hash")
	}

	// l=0 hashes the empty string
	zero := bodyHashString(t, CanonSimple, body, 0)
	empty := sha256.Sum256(nil)
	if !bytes.Equal(zero, empty[:]) {
		t.Errorf("limit 0: got %x, want hash of empty string", zero)
	}

	// A limit beyond the canonical length is an error
	_, err := bodyHash(crypto.SHA256.New(), CanonSimple, strings.NewReader(body), 100)
	if !errors.Is(err, ErrBodyLengthInvalid) {
		t.Errorf("limit beyond body: got %v, want ErrBodyLengthInvalid", err)
	}
}

func TestDataHash(t *testing.T) {
	headers := []Header{
		{Name: "From", Raw: []byte("From: a@example.org\r\n")},
		{Name: "Subject", Raw: []byte("Subject: one\r\n")},
		{Name: "Subject", Raw: []byte("Subject: two\r\n")},
	}
	sigHeader := []byte("DKIM-Signature: v=1; b=")

	// Repeated names consume instances bottom-up: the first "subject"
	// slot takes the last Subject header.
	got, err := dataHash(crypto.SHA256.New(), CanonRelaxed, headers,
		[]string{"from", "subject", "subject"}, sigHeader)
	if err != nil {
		t.Fatalf("dataHash: %v", err)
	}

	want := sha256.Sum256([]byte(
		"from:a@example.org\r\n" +
			"subject:two\r\n" +
			"subject:one\r\n" +
			"dkim-signature:v=1; b="))
	if !bytes.Equal(got, want[:]) {
		t.Errorf("dataHash = %x, want %x", got, want)
	}

	// An oversigned slot beyond the instance count hashes as the null
	// string: the digest equals one with the extra name dropped.
	oversigned, err := dataHash(crypto.SHA256.New(), CanonRelaxed, headers,
		[]string{"from", "subject", "subject", "subject"}, sigHeader)
	if err != nil {
		t.Fatalf("dataHash oversigned: %v", err)
	}
	if !bytes.Equal(oversigned, got) {
		t.Errorf("oversigned slot should contribute nothing to the hash")
	}

	// Simple canonicalization keeps the original header text
	gotSimple, err := dataHash(crypto.SHA256.New(), CanonSimple, headers,
		[]string{"From"}, sigHeader)
	if err != nil {
		t.Fatalf("dataHash simple: %v", err)
	}
	wantSimple := sha256.Sum256([]byte(
		"From: a@example.org\r\n" +
			"DKIM-Signature: v=1; b="))
	if !bytes.Equal(gotSimple, wantSimple[:]) {
		t.Errorf("simple dataHash = %x, want %x", gotSimple, wantSimple)
	}
}
