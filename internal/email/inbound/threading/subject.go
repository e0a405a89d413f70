package threading

import (
	"regexp"
	"strings"

	"github.com/gotrs-io/gotrs-inbound/internal/ticketnumber"
)

// replyPrefix matches one reply or forward marker, including counted forms
// such as "Re[2]:" and localized ones such as "AW:" or "SV:".
var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|wg|sv|vs|antw|tr|rif|odp)\s*(\[\d+\]|\(\d+\))?\s*:\s*`)

// NormalizeSubject lowercases subject and strips reply prefixes and ticket-number
// tokens so that "Re: [TKT-000123] Login issue" and "login issue" compare equal.
func NormalizeSubject(subject string, format *ticketnumber.Format) string {
	s := strings.TrimSpace(subject)
	if format != nil {
		s = format.Strip(s)
	}
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
