package anonymize

import "testing"

func TestIP(t *testing.T) {
	tests := []struct {
		ip   string
		mode string
		want string
	}{
		{"192.168.1.100", ModeNone, "192.168.1.100"},
		{"192.168.1.100", "", "192.168.1.100"},
		{"192.168.1.100", ModeTruncate, "192.168.1.0"},
		{"::ffff:10.1.2.3", ModeTruncate, "10.1.2.0"},
		{"2001:db8:1:2:3:4:5:6", ModeTruncate, "2001:db8:1:2::"},
		{"not-an-ip", ModeTruncate, "not-an-ip"},
		{"", ModeHash, ""},
	}
	for _, tt := range tests {
		if got := IP(tt.ip, tt.mode); got != tt.want {
			t.Errorf("IP(%q, %q) = %q, want %q", tt.ip, tt.mode, got, tt.want)
		}
	}
}

func TestIPHash(t *testing.T) {
	a := IP("10.0.0.1", ModeHash)
	if len(a) != 16 || a == "10.0.0.1" {
		t.Fatalf("hash = %q", a)
	}
	if b := IP("10.0.0.1", ModeHash); a != b {
		t.Errorf("hash should be deterministic: %q != %q", a, b)
	}
	if c := IP("10.0.0.2", ModeHash); a == c {
		t.Error("different addresses hashed to the same value")
	}
}
