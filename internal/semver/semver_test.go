package semver

import "testing"

func mustParse(t *testing.T, raw string) Version {
	t.Helper()
	v, err := ParseVersion(raw)
	if err != nil {
		t.Fatalf("ParseVersion(%q): %v", raw, err)
	}
	return v
}

func TestCompare(t *testing.T) {
	if Compare(mustParse(t, "1.2.0"), mustParse(t, "1.10.0")) != -1 {
		t.Fatalf("expected 1.2.0 < 1.10.0")
	}
	if Compare(mustParse(t, "2.0.0"), mustParse(t, "2.0.0")) != 0 {
		t.Fatalf("expected 2.0.0 == 2.0.0")
	}
	if Compare(Version{}, mustParse(t, "0.0.1")) != -1 {
		t.Fatalf("expected zero Version to sort first")
	}
}

func TestCompareRaw(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.1", -1},
		{"5.1.0", "5.1.0", 0},
		{"1.9.0", "1.10.0", -1},
		{"1.0.0", "not-a-version", -1},
		{"not-a-version", "1.0.0", 1},
		{"abc", "abd", -1},
	}
	for _, tc := range cases {
		if got := CompareRaw(tc.a, tc.b); got != tc.want {
			t.Fatalf("CompareRaw(%q, %q)=%d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion(" v1.2 ")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if got := v.String(); got != "1.2.0" {
		t.Fatalf("expected normalized 1.2.0, got %q", got)
	}
	if _, err := ParseVersion("one.two"); err == nil {
		t.Fatalf("expected one.two to be rejected")
	}
}
