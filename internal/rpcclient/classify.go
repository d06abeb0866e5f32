package rpcclient

import "strings"

// ErrorClass categorizes a provider error so callers know how to
// react: shrink the request range, back off and retry, or give up.
type ErrorClass int

const (
	// ClassFatal means retries are exhausted or the error is not
	// recognized as recoverable; surface to the caller.
	ClassFatal ErrorClass = iota
	// ClassRangeTooLarge means the requested block range was rejected
	// by the provider; the caller should halve its batch size and retry
	// with a smaller range.
	ClassRangeTooLarge
	// ClassTransient means a network/provider hiccup; retry with
	// exponential backoff.
	ClassTransient
)

var rangeTooLargeSubstrings = []string{"range", "too large", "timeout", "exceeded"}

var transientSubstrings = []string{
	"connection refused", "connection reset", "network", "eof",
	"502", "503", "504", "bad gateway", "service unavailable",
	"gateway timeout", "decode", "unexpected end of json input",
}

// Classify inspects an error's message and returns its ErrorClass.
// Providers encode limits in free-form messages, so matching is a
// case-insensitive substring check.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	msg := strings.ToLower(err.Error())

	for _, s := range rangeTooLargeSubstrings {
		if strings.Contains(msg, s) {
			return ClassRangeTooLarge
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return ClassTransient
		}
	}
	return ClassFatal
}
