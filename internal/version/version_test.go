package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, sha, bt string) { Version, GitSHA, BuildTime = v, sha, bt }(Version, GitSHA, BuildTime)

	Version, GitSHA, BuildTime = "0.3.1", "abc1234", "2026-03-01T12:00:00Z"
	if got, want := String(), "crankshaft 0.3.1 (abc1234, built 2026-03-01T12:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
