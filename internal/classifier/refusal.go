package classifier

import "strings"

// refusalComment is attached to verdicts synthesised from a refusal.
const refusalComment = "LLM indicated content blocking"

// refusalPhrases are matched case-insensitively against replies that carry
// no JSON. Order matters: the first match is reported.
var refusalPhrases = []string{
	"can't assist",
	"unable to assist",
	"can't help",
	"unable to help",
	"i'm unable to",
	"i can't",
}

// refusalPhrase returns the refusal phrase found in reply, if any.
// Typographic apostrophes are folded so "I can’t" matches too.
func refusalPhrase(reply string) (string, bool) {
	text := strings.ToLower(strings.ReplaceAll(reply, "’", "'"))
	for _, phrase := range refusalPhrases {
		if strings.Contains(text, phrase) {
			return phrase, true
		}
	}
	return "", false
}
