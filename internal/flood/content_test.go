package flood

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		recent []string
		spam   bool
		reason string
	}{
		{"plain", "see you at the meetup tonight", nil, false, ""},
		{"empty", "", nil, true, ReasonEmpty},
		{"whitespace", " \t\n ", nil, true, ReasonEmpty},
		{"caps", "THIS IS DEFINITELY SHOUTING", nil, true, ReasonCaps},
		{"short caps", "OK THANKS", nil, false, ""},
		{"mixed case below ratio", "Hello World From The Parley Team", nil, false, ""},
		{"links", "a https://a.example b http://b.example c www.c.example d https://d.example", nil, true, ReasonLinks},
		{"three links", "https://a.example https://b.example https://c.example", nil, false, ""},
		{"run", "hellooooooooooo", nil, true, ReasonRepetition},
		{"short run", "hellooooo", nil, false, ""},
		{"exact duplicate", "Free   tokens here", []string{"free tokens here"}, true, ReasonDuplicate},
		{"near duplicate", "join my room for free tokens now", []string{"join my room for free tokens"}, true, ReasonDuplicate},
		{"different", "how was the concert", []string{"join my room for free tokens"}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Classify(tc.text, tc.recent)
			if v.Spam != tc.spam {
				t.Fatalf("spam = %v, want %v (%+v)", v.Spam, tc.spam, v)
			}
			if v.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", v.Reason, tc.reason)
			}
			if tc.spam && v.Severity == SeverityNone {
				t.Fatalf("spam verdict without severity")
			}
		})
	}
}
