package version

import (
	"strings"
	"testing"
)

func TestInfoDefaults(t *testing.T) {
	v, c, d := Info()
	if v == "" || c == "" || d == "" {
		t.Fatalf("build info must not be empty: %q %q %q", v, c, d)
	}
	if GetVersion() != v {
		t.Fatalf("GetVersion (%s) should match Info version (%s)", GetVersion(), v)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, part := range []string{"shopcore", "version=", "commit=", "date="} {
		if !strings.Contains(s, part) {
			t.Fatalf("String() = %q, missing %q", s, part)
		}
	}
}

func TestFields(t *testing.T) {
	fields := Fields()
	if fields["version"] != version || fields["commit"] != commit || fields["build_date"] != date {
		t.Fatalf("unexpected fields: %v", fields)
	}
}
