// Package errctx sanitises error text before it reaches a Ledger
// message: user-visible error strings must never leak a
// language-specific type name or a stack trace, only a generic
// message.
package errctx

import "regexp"

// genericMessage replaces anything the patterns below match.
const genericMessage = "an internal error occurred"

// patterns recognise Go-specific type-annotation and stack-trace
// shapes that should never reach a cluster participant: wrapped error
// type names, nil-pointer dumps, struct literals, and "at <file>:<line>"
// stack frames.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`\*errors\.\w+`),
	regexp.MustCompile(`<nil>`),
	regexp.MustCompile(`&\{.*\}`),
	regexp.MustCompile(`goroutine \d+ \[`),
	regexp.MustCompile(`\s+at\s+\S+\.go:\d+`),
	regexp.MustCompile(`panic:\s`),
}

// Sanitize returns msg unchanged unless it matches a known
// type-annotation or stack-trace pattern, in which case it returns the
// generic message instead.
func Sanitize(msg string) string {
	for _, p := range patterns {
		if p.MatchString(msg) {
			return genericMessage
		}
	}
	return msg
}
