package semver

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a semantic version.
//
// This is a thin wrapper around github.com/Masterminds/semver/v3.
type Version struct {
	v *mm.Version
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

// String returns the normalized form, or "" for the zero Version.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// Compare compares a and b, returning:
// -1 if a < b
//
//	0 if a == b
//	1 if a > b
func Compare(a, b Version) int {
	if a.v == nil && b.v == nil {
		return 0
	}
	if a.v == nil {
		return -1
	}
	if b.v == nil {
		return 1
	}
	return a.v.Compare(b.v)
}

// CompareRaw compares two version strings.
//
// Valid versions sort before invalid ones; two invalid versions fall back to
// plain string ordering so the result is always a total order.
func CompareRaw(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA == nil && errB == nil:
		return Compare(va, vb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
