package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// ed25519RecordTxt is the brisbane record from RFC 8463 Section 5.
const ed25519RecordTxt = "v=DKIM1; k=ed25519; p=11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="

func TestParseRecord(t *testing.T) {
	record, isDKIM, err := ParseRecord(ed25519RecordTxt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !isDKIM {
		t.Error("isDKIM = false")
	}
	if record.Version != "DKIM1" {
		t.Errorf("Version = %q", record.Version)
	}
	if record.Key != "ed25519" {
		t.Errorf("Key = %q", record.Key)
	}
	pub, ok := record.PublicKey.(ed25519.PublicKey)
	if !ok {
		t.Fatalf("PublicKey is %T", record.PublicKey)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Errorf("public key length %d", len(pub))
	}
	if record.IsRevoked() || record.IsTesting() || record.RequireStrictAlignment() {
		t.Error("unexpected flags on plain record")
	}
}

func TestParseRecordRSA(t *testing.T) {
	rsaKey := getRSAKey(t)

	// SubjectPublicKeyInfo, the form RFC 6376 specifies
	pkix, err := x509.MarshalPKIXPublicKey(rsaKey.Public())
	if err != nil {
		t.Fatalf("marshal pkix: %v", err)
	}
	txt := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pkix)
	record, _, err := ParseRecord(txt)
	if err != nil {
		t.Fatalf("parse pkix record: %v", err)
	}
	if _, ok := record.PublicKey.(*rsa.PublicKey); !ok {
		t.Fatalf("PublicKey is %T", record.PublicKey)
	}

	// Bare PKCS#1, which some published records carry
	pkcs1 := x509.MarshalPKCS1PublicKey(rsaKey.Public().(*rsa.PublicKey))
	txt = "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pkcs1)
	record, _, err = ParseRecord(txt)
	if err != nil {
		t.Fatalf("parse pkcs1 record: %v", err)
	}
	if _, ok := record.PublicKey.(*rsa.PublicKey); !ok {
		t.Fatalf("PublicKey is %T", record.PublicKey)
	}
}

func TestParseRecordDefaults(t *testing.T) {
	// v= and k= may be absent; key type defaults to rsa
	rsaKey := getRSAKey(t)
	pkix, _ := x509.MarshalPKIXPublicKey(rsaKey.Public())
	record, isDKIM, err := ParseRecord("p=" + base64.StdEncoding.EncodeToString(pkix))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !isDKIM {
		t.Error("isDKIM = false")
	}
	if record.Key != "rsa" {
		t.Errorf("Key = %q, want rsa default", record.Key)
	}
	if !record.HashAllowed("sha256") || !record.HashAllowed("sha1") {
		t.Error("absent h= should allow all hashes")
	}
	if !record.ServiceAllowed("email") {
		t.Error("absent s= should allow all services")
	}
}

func TestParseRecordRevoked(t *testing.T) {
	record, _, err := ParseRecord("v=DKIM1; k=ed25519; p=")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !record.IsRevoked() {
		t.Error("IsRevoked = false for empty p=")
	}
	if record.PublicKey != nil {
		t.Errorf("PublicKey = %v, want nil", record.PublicKey)
	}
}

func TestParseRecordErrors(t *testing.T) {
	tests := []struct {
		name string
		txt  string
	}{
		{"missing p", "v=DKIM1; k=rsa"},
		{"bad version", "v=DKIM2; p=aGVsbG8="},
		{"v not first", "k=rsa; v=DKIM1; p=aGVsbG8="},
		{"duplicate tag", ed25519RecordTxt + "; k=rsa"},
		{"bad base64", "v=DKIM1; p=###"},
		{"bad key data", "v=DKIM1; k=rsa; p=aGVsbG8="},
		{"short ed25519 key", "v=DKIM1; k=ed25519; p=aGVsbG8="},
		{"unknown key type", "v=DKIM1; k=dsa; p=aGVsbG8="},
		{"tag syntax", "v=DKIM1; bogus"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseRecord(tc.txt)
			if !errors.Is(err, ErrRecordSyntax) {
				t.Errorf("got %v, want ErrRecordSyntax", err)
			}
		})
	}

	// Unrelated TXT content is reported as not-DKIM
	_, isDKIM, err := ParseRecord("spf2.0/pra ~all")
	if err == nil {
		t.Fatal("expected error for non-DKIM text")
	}
	if isDKIM {
		t.Error("isDKIM = true for SPF-like text")
	}
}

func TestRecordTags(t *testing.T) {
	txt := ed25519RecordTxt + "; h=sha256; s=email; t=y:s; n=ops=20note"
	record, _, err := ParseRecord(txt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !record.HashAllowed("sha256") || !record.HashAllowed("SHA256") {
		t.Error("sha256 should be allowed")
	}
	if record.HashAllowed("sha1") {
		t.Error("sha1 should not be allowed")
	}
	if !record.ServiceAllowed("email") {
		t.Error("email service should be allowed")
	}
	if record.ServiceAllowed("other") {
		t.Error("other service should not be allowed")
	}
	if !record.IsTesting() {
		t.Error("IsTesting = false with t=y")
	}
	if !record.RequireStrictAlignment() {
		t.Error("RequireStrictAlignment = false with t=s")
	}
	if record.Notes != "ops note" {
		t.Errorf("Notes = %q", record.Notes)
	}
}

func TestRecordUnknownTagsIgnored(t *testing.T) {
	if _, _, err := ParseRecord(ed25519RecordTxt + "; xfuture=whatever"); err != nil {
		t.Errorf("unknown tag should be ignored, got %v", err)
	}

	// Tag names are case-sensitive: K= is an unknown tag, not a duplicate
	// of k=, and does not change the key type
	record, _, err := ParseRecord(ed25519RecordTxt + "; K=rsa")
	if err != nil {
		t.Fatalf("uppercase tag should be ignored, got %v", err)
	}
	if record.Key != "ed25519" {
		t.Errorf("Key = %q, uppercase K= must not override k=", record.Key)
	}
}

func TestRecordToTXTRoundTrip(t *testing.T) {
	in := &Record{
		Version:  "DKIM1",
		Hashes:   []string{"sha256"},
		Key:      "ed25519",
		Notes:    "rotate quarterly",
		Pubkey:   base64Decode("11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="),
		Services: []string{"email"},
		Flags:    []string{"s"},
	}

	record, _, err := ParseRecord(in.ToTXT())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if record.Key != in.Key || record.Notes != in.Notes {
		t.Errorf("round trip changed fields: %+v", record)
	}
	if !record.HashAllowed("sha256") || record.HashAllowed("sha1") {
		t.Error("hashes lost in round trip")
	}
	if !record.RequireStrictAlignment() {
		t.Error("flags lost in round trip")
	}
	if !strings.Contains(in.ToTXT(), "p=11qYAYKxCrfVS") {
		t.Errorf("ToTXT = %q", in.ToTXT())
	}
}
