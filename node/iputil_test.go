package node

import (
	"net"
	"testing"
)

func TestIsLANAddress(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.255.255.255", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"fc00::1", true},
		{"fd12::1", true},
		{"::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if got := IsLANAddress(ip); got != tt.want {
			t.Errorf("IsLANAddress(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if IsLANAddress(nil) {
		t.Error("IsLANAddress(nil) should be false")
	}
}

func TestIsRoutableAddress(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", true},
		{"2001:db8::1", true},
		{"10.0.0.1", false},
		{"192.168.1.1", false},
		{"127.0.0.1", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
	}

	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if got := IsRoutableAddress(ip); got != tt.want {
			t.Errorf("IsRoutableAddress(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestValidateUDPAddr(t *testing.T) {
	valid := &net.UDPAddr{IP: net.ParseIP("8.8.8.8"), Port: 9000}
	if err := ValidateUDPAddr(valid); err != nil {
		t.Errorf("ValidateUDPAddr(valid) = %v", err)
	}

	if err := ValidateUDPAddr(nil); err == nil {
		t.Error("nil addr should be invalid")
	}
	if err := ValidateUDPAddr(&net.UDPAddr{IP: net.IPv4zero, Port: 9000}); err == nil {
		t.Error("unspecified IP should be invalid")
	}
	if err := ValidateUDPAddr(&net.UDPAddr{IP: net.ParseIP("8.8.8.8"), Port: 0}); err == nil {
		t.Error("port 0 should be invalid")
	}
	if err := ValidateUDPAddr(&net.UDPAddr{IP: net.ParseIP("224.0.0.1"), Port: 9000}); err == nil {
		t.Error("multicast IP should be invalid")
	}
}

func TestParseNodeAddr(t *testing.T) {
	addr, err := ParseNodeAddr("8.8.8.8:9000")
	if err != nil {
		t.Fatalf("ParseNodeAddr: %v", err)
	}
	if addr.Port != 9000 {
		t.Errorf("port = %d, want 9000", addr.Port)
	}
	if !addr.IP.Equal(net.ParseIP("8.8.8.8")) {
		t.Errorf("ip = %s, want 8.8.8.8", addr.IP)
	}

	if _, err := ParseNodeAddr("8.8.8.8:0"); err == nil {
		t.Error("port 0 should fail validation")
	}
}

func TestSameIP(t *testing.T) {
	ip4 := net.ParseIP("192.168.1.1")
	ip4in16 := ip4.To16()

	if !SameIP(ip4, ip4in16) {
		t.Error("4-byte and 16-byte representations of the same IP should match")
	}
	if SameIP(ip4, net.ParseIP("192.168.1.2")) {
		t.Error("different IPs should not match")
	}
	if SameIP(nil, ip4) {
		t.Error("nil should never match")
	}
}

func TestSameEndpoint(t *testing.T) {
	a := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 9000}
	b := &net.UDPAddr{IP: net.ParseIP("1.2.3.4").To4(), Port: 9000}
	c := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 9001}

	if !SameEndpoint(a, b) {
		t.Error("identical endpoints should match")
	}
	if SameEndpoint(a, c) {
		t.Error("different ports should not match")
	}
	if SameEndpoint(a, nil) {
		t.Error("nil should never match")
	}
}
