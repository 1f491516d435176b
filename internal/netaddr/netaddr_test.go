package netaddr

import (
	"net/netip"
	"testing"
)

func TestParseHost(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"10.0.0.5", "10.0.0.5", false},
		{" 10.0.0.5 ", "10.0.0.5", false},
		{"::ffff:1.2.3.4", "1.2.3.4", false}, // IPv4-mapped IPv6 normalized
		{"2001:db8::1", "2001:db8::1", false},
		{"fe80::1%eth0", "fe80::1", false},
		{"10.0.0.0/24", "", true},
		{"not-an-ip", "", true},
		{"300.1.1.1", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParseHost(c.input)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseHost(%q): expected error", c.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHost(%q): unexpected error: %v", c.input, err)
			continue
		}
		if got.String() != c.want {
			t.Errorf("ParseHost(%q): got %q, want %q", c.input, got, c.want)
		}
	}
}

func TestParseNetwork(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"10.0.0.0/24", "10.0.0.0/24", false},
		{"10.0.0.77/24", "10.0.0.0/24", false}, // host bits masked
		{"10.0.0.5", "10.0.0.5/32", false},
		{"2001:db8::1", "2001:db8::1/128", false},
		{"2001:db8::/32", "2001:db8::/32", false},
		{"::ffff:10.0.0.0/104", "10.0.0.0/8", false},
		{"::ffff:10.0.0.0/64", "", true},
		{"10.0.0.0/33", "", true},
		{"garbage/8", "", true},
	}
	for _, c := range cases {
		got, err := ParseNetwork(c.input)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseNetwork(%q): expected error", c.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNetwork(%q): unexpected error: %v", c.input, err)
			continue
		}
		if got.String() != c.want {
			t.Errorf("ParseNetwork(%q): got %q, want %q", c.input, got, c.want)
		}
	}
}

func TestInNetwork(t *testing.T) {
	n := netip.MustParsePrefix("10.0.0.0/24")
	if !InNetwork(netip.MustParseAddr("10.0.0.5"), n) {
		t.Error("10.0.0.5 should be in 10.0.0.0/24")
	}
	if !InNetwork(netip.MustParseAddr("::ffff:10.0.0.5"), n) {
		t.Error("mapped 10.0.0.5 should be in 10.0.0.0/24")
	}
	if InNetwork(netip.MustParseAddr("10.0.1.5"), n) {
		t.Error("10.0.1.5 should not be in 10.0.0.0/24")
	}
	if InNetwork(netip.MustParseAddr("2001:db8::1"), n) {
		t.Error("IPv6 host should not be in an IPv4 network")
	}
}

func TestInRange(t *testing.T) {
	lo := netip.MustParseAddr("192.0.2.10")
	hi := netip.MustParseAddr("192.0.2.20")
	cases := []struct {
		host string
		want bool
	}{
		{"192.0.2.10", true},
		{"192.0.2.15", true},
		{"192.0.2.20", true},
		{"192.0.2.9", false},
		{"192.0.2.21", false},
		{"2001:db8::15", false},
	}
	for _, c := range cases {
		if got := InRange(netip.MustParseAddr(c.host), lo, hi); got != c.want {
			t.Errorf("InRange(%s): got %v, want %v", c.host, got, c.want)
		}
	}
}

func TestCoveringBits(t *testing.T) {
	cases := []struct {
		lo, hi string
		want   int
	}{
		{"10.0.0.5", "10.0.0.5", 32},
		{"10.0.0.0", "10.0.0.255", 24},
		{"10.0.0.10", "10.0.0.20", 27},
		{"0.0.0.0", "255.255.255.255", 0},
		{"2001:db8::", "2001:db8::ffff", 112},
	}
	for _, c := range cases {
		got := CoveringBits(netip.MustParseAddr(c.lo), netip.MustParseAddr(c.hi))
		if got != c.want {
			t.Errorf("CoveringBits(%s, %s): got %d, want %d", c.lo, c.hi, got, c.want)
		}
	}
}

func TestBounds(t *testing.T) {
	cases := []struct {
		network, first, last string
	}{
		{"10.0.0.0/24", "10.0.0.0", "10.0.0.255"},
		{"10.0.16.0/20", "10.0.16.0", "10.0.31.255"},
		{"192.0.2.7/32", "192.0.2.7", "192.0.2.7"},
		{"0.0.0.0/0", "0.0.0.0", "255.255.255.255"},
		{"2001:db8::/33", "2001:db8::", "2001:db8:7fff:ffff:ffff:ffff:ffff:ffff"},
	}
	for _, tc := range cases {
		first, last := Bounds(netip.MustParsePrefix(tc.network))
		if first.String() != tc.first || last.String() != tc.last {
			t.Errorf("Bounds(%s) = %s-%s, want %s-%s", tc.network, first, last, tc.first, tc.last)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	privates := []string{
		"10.0.0.1", "172.16.0.1", "192.168.1.1",
		"127.0.0.1", "169.254.0.1", "100.64.0.1",
		"::1", "fe80::1", "fd00::1", "::ffff:10.1.1.1",
	}
	for _, ip := range privates {
		if !IsPrivate(netip.MustParseAddr(ip)) {
			t.Errorf("%s should be private", ip)
		}
	}
	for _, ip := range []string{"1.2.3.4", "8.8.8.8", "2001:4860::8888"} {
		if IsPrivate(netip.MustParseAddr(ip)) {
			t.Errorf("%s should not be private", ip)
		}
	}
}

func TestWhitelist(t *testing.T) {
	wl, err := ParseWhitelist([]string{"203.0.113.0/24", " ", "2001:db8::1"})
	if err != nil {
		t.Fatalf("ParseWhitelist: %v", err)
	}
	if len(wl) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(wl))
	}
	if !IsWhitelisted(netip.MustParseAddr("203.0.113.9"), wl) {
		t.Error("203.0.113.9 should be whitelisted")
	}
	if !IsWhitelisted(netip.MustParseAddr("2001:db8::1"), wl) {
		t.Error("2001:db8::1 should be whitelisted")
	}
	if IsWhitelisted(netip.MustParseAddr("198.51.100.1"), wl) {
		t.Error("198.51.100.1 should not be whitelisted")
	}
	if _, err := ParseWhitelist([]string{"nope"}); err == nil {
		t.Error("expected error for invalid entry")
	}
}
