package taskrunner

import (
	"regexp"
	"strings"
)

var errorLinePatts = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^Error:\s*(.+)$`),
	regexp.MustCompile(`(?i)^Exception:\s*(.+)$`),
	regexp.MustCompile(`(?i)^panic:\s*(.+)$`),
}

const (
	knownLimitation256KB = "256 KB"
	knownLimitStreaming  = "streaming"
)

// ExtractErrorContext produces a one-line human-readable failure
// reason from accumulated run output, trying strategies from most to
// least specific. It never truncates output — truncation could
// corrupt a structured payload a caller still wants to inspect.
func ExtractErrorContext(output string) string {
	trimmed := strings.TrimSpace(output)

	if strings.Contains(trimmed, "Task not found") {
		return "Task not found"
	}

	if reason, ok := knownCLILimitation(trimmed); ok {
		return reason
	}

	if block := firstJSONBlock(trimmed); block != "" {
		return block
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		for _, p := range errorLinePatts {
			if m := p.FindStringSubmatch(line); m != nil {
				return strings.TrimSpace(m[0])
			}
		}
	}

	if trimmed == "" {
		return "task produced no output"
	}
	return trimmed
}

// knownCLILimitation recognizes the reference provider's documented
// failure modes (large-file / streaming-mode constraints) and returns
// actionable text instead of a raw stack trace.
func knownCLILimitation(output string) (string, bool) {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "exceeds") && strings.Contains(lower, "256") {
		return "output exceeded the 256 KB log size limit for this provider", true
	}
	if strings.Contains(lower, "streaming") && strings.Contains(lower, "not supported") {
		return "streaming output is not supported in this mode", true
	}
	return "", false
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*?\}`)

func firstJSONBlock(output string) string {
	return jsonBlockRe.FindString(output)
}
