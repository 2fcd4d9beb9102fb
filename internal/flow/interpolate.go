package flow

import (
	"regexp"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(capturedInputs|session)\.([A-Za-z0-9_]+)\s*\}\}`)

// Interpolate replaces {{capturedInputs.key}} and {{session.key}} with session
// values. Unknown keys render as empty strings.
func Interpolate(text string, sess *models.ConversationSession) string {
	if sess == nil {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		if parts[1] == "session" {
			return sess.Metadata[parts[2]]
		}
		return sess.CapturedInputs[parts[2]]
	})
}
