package flood

import (
	"regexp"
	"strings"
	"unicode"

	"parley.chat/internal/obs"
)

// Severity ranks how strongly a verdict should be acted on.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

// Verdict is the result of Classify.
type Verdict struct {
	Spam     bool
	Reason   string
	Severity Severity
}

const (
	ReasonEmpty      = "empty"
	ReasonDuplicate  = "duplicate"
	ReasonCaps       = "caps"
	ReasonLinks      = "links"
	ReasonRepetition = "repetition"
)

const (
	minCapsLetters  = 10
	maxCapsRatio    = 0.7
	maxLinks        = 3
	maxCharRun      = 10
	similarityFloor = 0.8
)

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// Classify applies the content heuristics to text. recent is the sender's
// recent history, as returned by Guard.Recent.
func Classify(text string, recent []string) Verdict {
	v := classify(text, recent)
	if v.Spam {
		obs.FloodRejected(v.Reason)
	}
	return v
}

func classify(text string, recent []string) Verdict {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Verdict{Spam: true, Reason: ReasonEmpty, Severity: SeverityLow}
	}
	if repeatedRun(trimmed) >= maxCharRun {
		return Verdict{Spam: true, Reason: ReasonRepetition, Severity: SeverityMedium}
	}
	if len(linkPattern.FindAllStringIndex(trimmed, -1)) > maxLinks {
		return Verdict{Spam: true, Reason: ReasonLinks, Severity: SeverityHigh}
	}
	if capsRatio(trimmed) {
		return Verdict{Spam: true, Reason: ReasonCaps, Severity: SeverityLow}
	}
	norm := normalize(trimmed)
	for _, prev := range recent {
		if nearDuplicate(norm, normalize(prev)) {
			return Verdict{Spam: true, Reason: ReasonDuplicate, Severity: SeverityMedium}
		}
	}
	return Verdict{}
}

func repeatedRun(s string) int {
	longest, run := 0, 0
	var last rune
	for i, r := range s {
		if i > 0 && r == last {
			run++
		} else {
			run = 1
			last = r
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

func capsRatio(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < minCapsLetters {
		return false
	}
	return float64(upper)/float64(letters) > maxCapsRatio
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// nearDuplicate treats identical normalised texts, or texts whose word sets
// overlap by at least similarityFloor, as the same message.
func nearDuplicate(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) < 3 || len(wb) < 3 {
		return false
	}
	set := make(map[string]struct{}, len(wa))
	for _, w := range wa {
		set[w] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter)/float64(union) >= similarityFloor
}
