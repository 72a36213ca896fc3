package redact

import "testing"

func TestPII(t *testing.T) {
	cases := map[string]string{
		"mail mario.rossi@example.it now": "mail [EMAIL] now",
		"P.IVA 12345678901":               "P.IVA [VAT]",
		"tel 3331234567":                  "tel [PHONE]",
		"CF RSSMRA85T10A562S":             "CF [CF]",
		"nothing to hide":                 "nothing to hide",
	}
	for in, want := range cases {
		if got := PII(in); got != want {
			t.Fatalf("PII(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("abcdef", 3); got != "abc..." {
		t.Fatalf("unexpected snippet: %q", got)
	}
	if got := Snippet("abc", 0); got != "abc" {
		t.Fatalf("limit 0 disables truncation: %q", got)
	}
}
