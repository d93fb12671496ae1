package pipeline

import "strings"

// crisisPhrases is a fixed keyword heuristic for self-harm/suicide
// ideation, grounded on the phrasing CrisisDetector's system prompt asks
// its classifier to watch for ("desire to hurt themselves, end their
// life, or is in immediate danger"). Matching is case-insensitive
// substring search over the user's transcript, not a model call: this
// core has no business placing a second LLM round-trip in the hot path
// of every turn just to set one flag.
var crisisPhrases = []string{
	"kill myself",
	"hurt myself",
	"hurting myself",
	"end it all",
	"end my life",
	"want to die",
	"wish i was dead",
	"wish i were dead",
	"suicide",
	"suicidal",
	"no reason to live",
	"better off dead",
	"can't go on",
	"cant go on",
}

// detectCrisis reports whether text contains a crisis-indicator phrase.
func detectCrisis(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range crisisPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
