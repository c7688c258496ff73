package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/admin/bans":                    "/v1/admin/bans",
		"/v1/admin/bans/01HX/lift":          "/v1/admin/bans/:id/lift",
		"/v1/admin/timeouts/mod-7/lift":     "/v1/admin/timeouts/:id/lift",
		"/v1/admin/rooms/r-9/key?verbose=1": "/v1/admin/rooms/:id/key",
		"/v1/2fa/setup":                     "/v1/2fa/setup",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRevision(t *testing.T) {
	if got := Revision("abc123"); got != "abc123" {
		t.Fatalf("explicit commit overridden: %q", got)
	}
	if got := Revision("dev"); got == "" || got == "dev" {
		t.Fatalf("dev commit not resolved: %q", got)
	}
}
