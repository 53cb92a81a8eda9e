package outbound

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

// Automation control tokens the agent emits to signal "do not reply". They
// must never reach a user verbatim.
var skipTokens = []string{"QQ_AUTO_SKIP", "ANNOUNCE_SKIP", "NO_REPLY", "HEARTBEAT_OK"}

// Patterns that reveal internal orchestration when a model echoes control
// traffic into its reply.
var controlLeakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsubagent failed\b`),
	regexp.MustCompile(`(?i)\bprocess still running\b`),
	regexp.MustCompile(`(?im)^\s*\[(cron|scheduler|system message)\b`),
	regexp.MustCompile(`(?i)^\s*(cron|scheduled) (job|task|run)\b`),
}

var (
	abortStrictRe = regexp.MustCompile(`(?i)^\s*(request|operation) was aborted\.?\s*$`)
	abortLooseRe  = regexp.MustCompile(`(?i)\b(request|operation) was aborted\b`)
)

// GuardChunk rejects outbound text that would leak internal control
// traffic. strictAbort narrows the abort-leak match to whole-message form.
// A nil return means the chunk may be sent.
func GuardChunk(text string, strictAbort bool) error {
	for _, tok := range skipTokens {
		if ContainsToken(text, tok) {
			return qqerr.New(qqerr.CodeAutomationMetaLeakGuard, "outbound: control token "+tok)
		}
	}
	for _, re := range controlLeakPatterns {
		if re.MatchString(text) {
			return qqerr.New(qqerr.CodeAutomationMetaLeakGuard, "outbound: control pattern leak")
		}
	}
	abortRe := abortLooseRe
	if strictAbort {
		abortRe = abortStrictRe
	}
	if abortRe.MatchString(text) {
		return qqerr.New(qqerr.CodeAbortTextSuppressed, "outbound: abort text leak")
	}
	return nil
}

// ContainsToken reports whether text carries token as a standalone word,
// at either edge or as the whole message.
func ContainsToken(text, token string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == token {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, token); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, token); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

// IsSilentReply reports whether the agent deliberately withheld a reply.
// Silent replies are dropped without the fallback message.
func IsSilentReply(text string) bool {
	return ContainsToken(text, "NO_REPLY") || ContainsToken(text, "QQ_AUTO_SKIP")
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
