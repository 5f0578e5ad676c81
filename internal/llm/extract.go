package llm

import "regexp"

// responseFieldRe matches the start of a templated object such as
// {response: "Hi or {"response": "Hi there"}. The value may be cut off by
// the fragment boundary.
var responseFieldRe = regexp.MustCompile(`(?s)^\s*\{?\s*"?response"?\s*:\s*"([^"]*)"?`)

// ExtractSpeakable returns the text worth sending to the synthesizer for one
// streamed fragment. A fragment that opens a templated object with a response
// field yields only the quoted value; anything else is returned unchanged.
func ExtractSpeakable(fragment string) string {
	m := responseFieldRe.FindStringSubmatch(fragment)
	if m == nil {
		return fragment
	}
	return m[1]
}
