package sanitize

import (
	"regexp"
	"strings"
)

var (
	onWroteLine    = regexp.MustCompile(`(?i)^\s*On\s.+\bwrote:\s*$`)
	onWroteOpening = regexp.MustCompile(`(?i)^\s*On\s.+`)
	wroteClosing   = regexp.MustCompile(`(?i)\bwrote:\s*$`)
	fromHeaderLine = regexp.MustCompile(`(?i)^\s*From:\s`)
	headerField    = regexp.MustCompile(`(?i)^\s*(Sent|Date|To|Cc|Subject):\s`)
	ruleLine       = regexp.MustCompile(`^\s*(-{3,}|_{3,})`)
	originalRule   = regexp.MustCompile(`(?i)^\s*-{2,}\s*(original message|forwarded message|ursprüngliche nachricht|message d'origine|mensaje original)\s*-{2,}\s*$`)

	closingPhrase = regexp.MustCompile(`(?i)^\s*(` + strings.Join([]string{
		`best regards`, `kind regards`, `warm regards`, `warmest regards`, `regards`,
		`best wishes`, `many thanks and regards`, `thanks and regards`, `thanks & regards`,
		`sincerely`, `yours sincerely`, `yours truly`, `yours faithfully`,
		`cordialement`, `bien cordialement`, `bien à vous`, `salutations distinguées`,
		`mit freundlichen grüßen`, `mit freundlichen gruessen`, `freundliche grüße`,
		`viele grüße`, `liebe grüße`, `beste grüße`,
		`saludos`, `saludos cordiales`, `un saludo`, `atentamente`,
		`cordiali saluti`, `distinti saluti`, `met vriendelijke groet`, `groeten`,
		`com os melhores cumprimentos`, `atenciosamente`, `pozdrawiam`, `med vänliga hälsningar`,
	}, "|") + `)\s*[,.!]?\s*$`)
	mobileSignature = regexp.MustCompile(`(?i)^\s*(sent from my \S+.*|get outlook for \S+.*)$`)

	disclaimerOpener = regexp.MustCompile(`(?i)^\s*(` + strings.Join([]string{
		`confidentiality notice`,
		`disclaimer\b`,
		`this (e-?mail|message)( and any (files|attachments)[^.]*)? (is|are|may be|contains) (confidential|privileged|intended)`,
		`the information (contained )?in this (e-?mail|message|communication)`,
		`ce (message|courriel)( et (toutes )?(les )?pi[eè]ces jointes)? (est|sont|peut)`,
		`diese e-?mail (enthält|ist) vertraulich`,
	}, "|") + `)`)
)

// SanitizeText strips quoted replies, signatures and disclaimers from a plain
// text body. Quote runs end at the first unquoted, non-blank line so fresh
// content written below a quote survives. An "Original Message" rule or an
// Outlook header block quotes everything after it.
func (s *Sanitizer) SanitizeText(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")

	var (
		kept    []string
		inQuote bool
		header  bool
	)
scan:
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if isSignatureDelimiter(line) || closingPhrase.MatchString(line) ||
			mobileSignature.MatchString(line) || disclaimerOpener.MatchString(line) {
			break
		}

		switch {
		case strings.HasPrefix(trimmed, ">"):
			inQuote, header = true, false
			continue
		case onWroteLine.MatchString(line):
			inQuote, header = true, false
			continue
		case wrappedOnWrote(lines, i):
			inQuote, header = true, false
			i++
			continue
		case originalRule.MatchString(line), outlookHeaderBlock(lines, i):
			break scan
		case fromHeaderLine.MatchString(line), ruleLine.MatchString(line):
			inQuote, header = true, true
			continue
		}

		if inQuote {
			if trimmed == "" {
				continue
			}
			if header && headerField.MatchString(line) {
				continue
			}
			inQuote, header = false, false
		}
		kept = append(kept, line)
	}
	return normalizeWhitespace(strings.Join(kept, "\n"))
}

// isSignatureDelimiter matches the conventional "-- " line and a bare "--".
func isSignatureDelimiter(line string) bool {
	return strings.TrimRight(line, " \t") == "--"
}

// outlookHeaderBlock matches a From: line, optionally under a rule, directly
// followed by another header field.
func outlookHeaderBlock(lines []string, i int) bool {
	if ruleLine.MatchString(lines[i]) {
		i++
	}
	if i+1 >= len(lines) || !fromHeaderLine.MatchString(lines[i]) {
		return false
	}
	return headerField.MatchString(lines[i+1])
}

// wrappedOnWrote matches an attribution line that a client wrapped onto the next line.
func wrappedOnWrote(lines []string, i int) bool {
	if i+1 >= len(lines) {
		return false
	}
	return onWroteOpening.MatchString(lines[i]) && !wroteClosing.MatchString(lines[i]) &&
		wroteClosing.MatchString(lines[i+1]) && len(lines[i])+len(lines[i+1]) < 300
}
