package auth

import (
	"testing"
)

func TestParseAuthorization(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		token    string
		external map[string]string
	}{
		{
			name:   "empty header",
			header: "",
		},
		{
			name:   "plain bearer token",
			header: "Bearer abc123",
			token:  "abc123",
		},
		{
			name:   "lowercase scheme",
			header: "bearer abc123",
			token:  "abc123",
		},
		{
			name:   "wrong scheme",
			header: "Basic dXNlcjpwYXNz",
		},
		{
			name:   "composite with external tokens",
			header: "Bearer mytok|https://huggingface.co,hf_abc|https://hub.example.com,kh_def",
			token:  "mytok",
			external: map[string]string{
				"https://huggingface.co":  "hf_abc",
				"https://hub.example.com": "kh_def",
			},
		},
		{
			name:     "external tokens without own token",
			header:   "Bearer |https://huggingface.co,hf_abc",
			token:    "",
			external: map[string]string{"https://huggingface.co": "hf_abc"},
		},
		{
			name:     "malformed segment dropped",
			header:   "Bearer mytok|nocomma|https://x.test,tok",
			token:    "mytok",
			external: map[string]string{"https://x.test": "tok"},
		},
		{
			name:     "trailing slash normalized",
			header:   "Bearer t|https://x.test/,tok",
			token:    "t",
			external: map[string]string{"https://x.test": "tok"},
		},
		{
			name:   "empty segments ignored",
			header: "Bearer t||",
			token:  "t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, external := ParseAuthorization(tt.header)
			if token != tt.token {
				t.Errorf("Expected token %q, got %q", tt.token, token)
			}
			if len(external) != len(tt.external) {
				t.Fatalf("Expected %d external tokens, got %d (%v)", len(tt.external), len(external), external)
			}
			for url, want := range tt.external {
				if external[url] != want {
					t.Errorf("Expected external[%q] = %q, got %q", url, want, external[url])
				}
			}
		})
	}
}

func TestParseSessionCookie(t *testing.T) {
	id, secret, ok := ParseSessionCookie("sess-1:deadbeef")
	if !ok || id != "sess-1" || secret != "deadbeef" {
		t.Errorf("Expected (sess-1, deadbeef, true), got (%q, %q, %v)", id, secret, ok)
	}

	for _, bad := range []string{"", "nocolon", ":secretonly", "idonly:"} {
		if _, _, ok := ParseSessionCookie(bad); ok {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}
