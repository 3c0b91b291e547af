package drafter

import (
	"regexp"
	"strings"
)

// attachmentClaim matches a line asserting that a file accompanies the
// message. Matching is per-line: only lines making the claim are dropped,
// the rest of the draft is untouched.
var attachmentClaim = regexp.MustCompile(`(?i)\b(attached|attachment|attaching|enclosed|enclosure|enclosing)\b`)

// SanitizeBody removes lines claiming files are attached or enclosed unless
// the action genuinely attaches one. Blank-line runs exposed by a removal
// collapse to at most one blank line; a body with no claim lines comes back
// byte for byte. The pass is idempotent: running it on its own output changes
// nothing.
func SanitizeBody(body string, hasAttachment bool) string {
	if hasAttachment || !attachmentClaim.MatchString(body) {
		return body
	}

	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	collapsing := false
	for _, line := range lines {
		if attachmentClaim.MatchString(line) {
			collapsing = true
			continue
		}
		if collapsing && strings.TrimSpace(line) == "" {
			// Keep at most one blank between the removal's neighbors, and
			// none when the removal opened the body.
			if len(out) == 0 || strings.TrimSpace(out[len(out)-1]) == "" {
				continue
			}
			out = append(out, line)
			continue
		}
		collapsing = false
		out = append(out, line)
	}
	if collapsing {
		// The last claim line closed the body; drop the blanks it exposed.
		for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			out = out[:len(out)-1]
		}
	}
	return strings.Join(out, "\n")
}
