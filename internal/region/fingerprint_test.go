package region

import "testing"

func TestNormalize(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{in: "  Chapter\t1 \n", want: "chapter 1"},
		{in: "ＡＢＣ　ｄｅｆ", want: "abc def"},
		{in: "", want: ""},
		{in: "ﬁnal", want: "final"},
	}

	for _, tc := range testCases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFingerprintOf(t *testing.T) {
	a := FingerprintOf("Chapter 1")
	b := FingerprintOf("chapter    1")
	c := FingerprintOf("Chapter 2")

	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct fingerprints for different text")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", a)
	}
	if len(a.Short()) != 8 {
		t.Fatalf("unexpected short form %q", a.Short())
	}
}
