package smtp

import (
	"math"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestValidEmailAddresses(t *testing.T) {
	valid := []string{
		"user@example.com",
		"first.last@example.com",
		"user+tag@sub.example.co.uk",
		"o'brien@example.ie",
		"x@a.b",
		strings.Repeat("a", 64) + "@example.com",
	}
	for _, addr := range valid {
		if !ValidateEmailAddress(addr) {
			t.Errorf("ValidateEmailAddress(%q) = false", addr)
		}
	}
}

func TestInvalidEmailAddresses(t *testing.T) {
	invalid := []string{
		"",
		"plainaddress",
		"@example.com",
		"user@",
		"user@@example.com",
		"user@-example.com",
		"user@exa mple.com",
		"us er@example.com",
		strings.Repeat("a", 65) + "@example.com",
		"user@" + strings.Repeat("a", 250) + ".com",
	}
	for _, addr := range invalid {
		if ValidateEmailAddress(addr) {
			t.Errorf("ValidateEmailAddress(%q) = true", addr)
		}
	}
}

func TestValidAddressesAccepted(t *testing.T) {
	label := rapid.StringMatching(`[a-z0-9]([a-z0-9-]{0,10}[a-z0-9])?`)
	rapid.Check(t, func(t *rapid.T) {
		local := rapid.StringMatching(`[a-zA-Z0-9._%+-]{1,30}`).Draw(t, "local")
		labels := rapid.SliceOfN(label, 1, 4).Draw(t, "labels")
		addr := local + "@" + strings.Join(labels, ".")
		if !ValidateEmailAddress(addr) {
			t.Fatalf("ValidateEmailAddress(%q) = false", addr)
		}
	})
}

func TestParseMailFrom(t *testing.T) {
	tests := []struct {
		args string
		addr string
		size int64
		ok   bool
	}{
		{"FROM:<alice@remote.test>", "alice@remote.test", 0, true},
		{"from: <alice@remote.test>", "alice@remote.test", 0, true},
		{"FROM:<alice@remote.test> SIZE=1024", "alice@remote.test", 1024, true},
		{"FROM:<alice@remote.test> BODY=8BITMIME size=77", "alice@remote.test", 77, true},
		{"FROM:<alice@remote.test> SIZE=99999999999999999999999", "alice@remote.test", math.MaxInt64, true},
		{"FROM:<alice@remote.test> SIZE=12k", "", 0, false},
		{"FROM:alice@remote.test", "", 0, false},
		{"FROM:<>", "", 0, false},
		{"TO:<alice@remote.test>", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		addr, size, ok := parseMailFrom(tt.args)
		if addr != tt.addr || size != tt.size || ok != tt.ok {
			t.Errorf("parseMailFrom(%q) = %q, %d, %v; want %q, %d, %v", tt.args, addr, size, ok, tt.addr, tt.size, tt.ok)
		}
	}
}

func TestParseRcptTo(t *testing.T) {
	tests := []struct {
		args string
		addr string
		ok   bool
	}{
		{"TO:<bob@local.test>", "bob@local.test", true},
		{"to:  <bob@local.test> NOTIFY=NEVER", "bob@local.test", true},
		{"TO:bob@local.test", "", false},
		{"FROM:<bob@local.test>", "", false},
	}
	for _, tt := range tests {
		addr, ok := parseRcptTo(tt.args)
		if addr != tt.addr || ok != tt.ok {
			t.Errorf("parseRcptTo(%q) = %q, %v", tt.args, addr, ok)
		}
	}
}

func TestIsLocal(t *testing.T) {
	if !IsLocal("bob@LOCAL.test", "local.TEST") {
		t.Error("domain comparison is case sensitive")
	}
	if IsLocal("bob@sub.local.test", "local.test") || IsLocal("bob", "local.test") {
		t.Error("IsLocal matched a foreign address")
	}
	if DomainOf("a@b@c.test") != "c.test" {
		t.Errorf("DomainOf = %q", DomainOf("a@b@c.test"))
	}
}
