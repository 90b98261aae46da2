package errors

import "strings"

// PatternMatcher matches error messages to categories using string patterns.
type PatternMatcher interface {
	Match(errorMsg string) ErrorCategory
}

// NewPatternMatcher creates a new PatternMatcher with predefined patterns.
// Categories are checked in order, so a message mentioning both a broken connection and
// a missing file is reported as a connection problem.
func NewPatternMatcher() PatternMatcher {
	return &patternMatcher{
		rules: []rule{
			{CategoryConnection, []string{
				"connection reset",
				"connection refused",
				"connection lost",
				"broken pipe",
				"handshake failed",
				"unable to authenticate",
				"i/o timeout",
				"no route to host",
				"use of closed network connection",
			}},
			{CategoryCommand, []string{
				"exit status",
				"command not found",
				"process exited",
				"cannot run commands",
			}},
			{CategoryPermission, []string{
				"permission denied",
				"access denied",
				"accessdenied",
				"operation not permitted",
				"operation not supported",
			}},
			{CategoryDiskSpace, []string{
				"no space left on device",
				"disk full",
				"quota exceeded",
			}},
			{CategoryPath, []string{
				"no such file or directory",
				"file not found",
				"file does not exist",
				"path does not exist",
				"nosuchkey",
				"nosuchbucket",
			}},
			{CategoryDelete, []string{
				"directory not empty",
				"cannot remove",
			}},
			{CategoryCopy, []string{
				"short write",
				"input/output error",
				"i/o error",
			}},
		},
	}
}

type rule struct {
	category ErrorCategory
	patterns []string
}

type patternMatcher struct {
	rules []rule
}

// Match returns the error category based on pattern matching.
func (m *patternMatcher) Match(errorMsg string) ErrorCategory {
	lowerMsg := strings.ToLower(errorMsg)

	for _, r := range m.rules {
		for _, pattern := range r.patterns {
			if strings.Contains(lowerMsg, pattern) {
				return r.category
			}
		}
	}

	return CategoryUnknown
}
