package deployment

import "testing"

func TestArchCompatible(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"x86_64", "amd64", true},
		{"amd64", "x86_64", true},
		{"arm64", "aarch64", true},
		{"armv7", "armhf", true},
		{"armv7", "arm", true},
		{"riscv64", "riscv", true},
		{"arm64", "x86_64", false},
		{"armv7", "arm64", false},
		{"mips", "mips", true},
		{"mips", "mipsel", false},
	}
	for _, c := range cases {
		if got := archCompatible(c.a, c.b); got != c.want {
			t.Errorf("archCompatible(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
