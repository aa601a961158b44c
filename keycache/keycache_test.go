package keycache

import (
	"fmt"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New(Config{})

	if _, _, ok := c.Get("sel._domainkey.example.com."); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set("sel._domainkey.example.com.", "v=DKIM1; p=abc", true, time.Minute)

	txt, authentic, ok := c.Get("sel._domainkey.example.com.")
	if !ok {
		t.Fatal("expected hit")
	}
	if txt != "v=DKIM1; p=abc" {
		t.Errorf("txt = %q", txt)
	}
	if !authentic {
		t.Error("authentic = false, want true")
	}
}

func TestExpiry(t *testing.T) {
	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	c := New(Config{})
	c.Set("sel._domainkey.example.com.", "v=DKIM1; p=abc", false, 30*time.Second)

	if _, _, ok := c.Get("sel._domainkey.example.com."); !ok {
		t.Fatal("expected hit before expiry")
	}

	timeNow = func() time.Time { return base.Add(time.Minute) }
	if _, _, ok := c.Get("sel._domainkey.example.com."); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestMaxTTLCap(t *testing.T) {
	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	c := New(Config{MaxTTL: time.Minute})
	c.Set("sel._domainkey.example.com.", "v=DKIM1; p=abc", false, 24*time.Hour)

	timeNow = func() time.Time { return base.Add(2 * time.Minute) }
	if _, _, ok := c.Get("sel._domainkey.example.com."); ok {
		t.Fatal("entry should have expired at the MaxTTL cap")
	}
}

func TestZeroTTLNotStored(t *testing.T) {
	c := New(Config{})
	c.Set("sel._domainkey.example.com.", "v=DKIM1; p=abc", false, 0)
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestEviction(t *testing.T) {
	c := New(Config{MaxEntries: 3})
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("sel%d._domainkey.example.com.", i), "v=DKIM1; p=abc", false, time.Minute)
	}
	if c.Len() > 3 {
		t.Errorf("Len() = %d, want at most 3", c.Len())
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := New(Config{})
	c.Set("a._domainkey.example.com.", "v=DKIM1; p=aaa", true, time.Minute)
	c.Set("b._domainkey.example.org.", "v=DKIM1; p=bbb", false, time.Hour)

	data := c.Snapshot()

	restored := New(Config{})
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", restored.Len())
	}

	txt, authentic, ok := restored.Get("a._domainkey.example.com.")
	if !ok || txt != "v=DKIM1; p=aaa" || !authentic {
		t.Errorf("entry a: txt=%q authentic=%v ok=%v", txt, authentic, ok)
	}
	txt, authentic, ok = restored.Get("b._domainkey.example.org.")
	if !ok || txt != "v=DKIM1; p=bbb" || authentic {
		t.Errorf("entry b: txt=%q authentic=%v ok=%v", txt, authentic, ok)
	}
}

func TestRestoreDropsExpired(t *testing.T) {
	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	c := New(Config{})
	c.Set("short._domainkey.example.com.", "v=DKIM1; p=abc", false, 10*time.Second)
	c.Set("long._domainkey.example.com.", "v=DKIM1; p=abc", false, time.Hour)

	data := c.Snapshot()

	timeNow = func() time.Time { return base.Add(time.Minute) }
	restored := New(Config{})
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", restored.Len())
	}
	if _, _, ok := restored.Get("long._domainkey.example.com."); !ok {
		t.Error("long-lived entry missing after restore")
	}
}

func TestRestoreGarbage(t *testing.T) {
	c := New(Config{})
	if err := c.Restore([]byte{0xc3, 0x01, 0x02}); err == nil {
		t.Fatal("expected error restoring garbage")
	}
}
