package repositories

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"+1 (555) 0100", "+15550100"},
		{"+49 (151) 2222-2222", "+4915122222222"},
		{"0049 151 333 333", "0049151333333"},
		{"555.0100", "5550100"},
		// A plus only counts in the leading position.
		{"555+0100", "5550100"},
		{"", ""},
		{"n/a", ""},
	}

	for _, tc := range cases {
		if got := NormalizePhone(tc.raw); got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
