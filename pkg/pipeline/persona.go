package pipeline

import "strings"

const basePersona = "You are a warm, attentive voice companion having a live spoken conversation. " +
	"Keep replies short and natural for speech; never use markdown or lists."

var roleOverlays = map[Role]string{
	RoleLoyalBestFriend: "Speak like the user's most loyal best friend: supportive, informal, always on their side.",
	RoleCaringParent:    "Speak like a caring parent: gentle, encouraging, patient, occasionally checking on wellbeing.",
	RoleCoach:           "Speak like a motivational coach: direct, energetic, focused on action and accountability.",
	RoleFunnyFriend:     "Speak like a funny friend: light, quick with a joke, but still genuinely helpful.",
}

var languageDirectives = map[Language]string{
	LanguageEn:   "Respond in English.",
	LanguageFr:   "Répondez en français.",
	LanguageZhHK: "以廣東話回應。",
	LanguageZhTW: "請以台灣華語回應。",
}

// ComposeSystemPrompt combines the base persona, an optional role
// overlay, and a language directive into the system prompt seeded into
// a session's history. It is a pure function: its output is fully
// determined by its arguments, which keeps the prompt's string identity
// reproducible for tests and history inspection.
func ComposeSystemPrompt(role Role, lang Language) string {
	parts := []string{basePersona}
	if overlay, ok := roleOverlays[role]; ok {
		parts = append(parts, overlay)
	}
	if directive, ok := languageDirectives[lang]; ok {
		parts = append(parts, directive)
	} else {
		parts = append(parts, languageDirectives[LanguageEn])
	}
	return strings.Join(parts, " ")
}
