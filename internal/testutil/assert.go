package testutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// AssertStrings compares got against want element by element, quoting
// values in failure messages.
func AssertStrings(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("got %d strings %q, want %d %q", len(got), got, len(want), want)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// AssertValidUTF8 fails the test when a normalized field still carries
// bytes that are not UTF-8.
func AssertValidUTF8(t *testing.T, field, s string) {
	t.Helper()
	if !utf8.ValidString(s) {
		t.Errorf("%s is not valid UTF-8: %q", field, s)
	}
}

// AssertContainsAll checks CLI or report output for every substring.
func AssertContainsAll(t *testing.T, got string, subs []string) {
	t.Helper()
	for _, sub := range subs {
		if !strings.Contains(got, sub) {
			t.Errorf("output does not contain %q:\n%s", sub, got)
		}
	}
}

// MustNoErr stops the test on a setup failure.
func MustNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}
