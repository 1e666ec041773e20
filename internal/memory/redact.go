package memory

import (
	"regexp"
)

var (
	reBearer  = regexp.MustCompile(`(?i)\b(bearer)\s+([A-Za-z0-9_\-\.=]{12,})`)
	reSK      = regexp.MustCompile(`\b(sk-[A-Za-z0-9_\-]{12,})\b`)
	reAIza    = regexp.MustCompile(`\b(AIza[A-Za-z0-9_\-]{16,})\b`)
	reGitHub  = regexp.MustCompile(`\b(gh[pousr]_[A-Za-z0-9]{20,})\b`)
	reAWSKey  = regexp.MustCompile(`\b(AKIA[0-9A-Z]{16})\b`)
	reKeyVals = regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|token)(\s*[:=]\s*)("?)([^\s"']{8,})`)
)

// RedactText masks credentials that commonly leak into prompts and tool output.
func RedactText(s string) string {
	if s == "" {
		return s
	}
	s = reBearer.ReplaceAllString(s, "$1 [REDACTED]")
	s = reSK.ReplaceAllString(s, "[REDACTED]")
	s = reAIza.ReplaceAllString(s, "[REDACTED]")
	s = reGitHub.ReplaceAllString(s, "[REDACTED]")
	s = reAWSKey.ReplaceAllString(s, "[REDACTED]")
	s = reKeyVals.ReplaceAllString(s, "$1$2$3[REDACTED]")
	return s
}
