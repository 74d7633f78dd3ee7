package util

import (
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "sub/file.db"); got != filepath.Join("/base", "sub/file.db") {
		t.Errorf("relative: got %q", got)
	}
	if got := ResolvePath("/base", "/abs/file.db"); got != "/abs/file.db" {
		t.Errorf("absolute should override base: got %q", got)
	}
}

func TestValidateUserID(t *testing.T) {
	if id, err := ValidateUserID("  dr-jones "); err != nil || id != "dr-jones" {
		t.Errorf("ValidateUserID = %q, %v", id, err)
	}

	for _, bad := range []string{"", "   ", "a b", "a/b", `a\b`, "a..b"} {
		if _, err := ValidateUserID(bad); err == nil {
			t.Errorf("ValidateUserID(%q) accepted", bad)
		}
	}
}
