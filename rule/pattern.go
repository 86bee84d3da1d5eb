// Package rule holds the request rewrite engine and the server rule matcher.
package rule

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidPattern is reported for rules whose pattern does not compile.
	ErrInvalidPattern = errors.New("rule: invalid pattern")
	// ErrApplication is reported when a patch cannot be applied to its target.
	ErrApplication = errors.New("rule: application failed")
)

// compileFull compiles pattern so that it only matches whole strings.
func compileFull(pattern string) (*regexp.Regexp, error) {
	// Validate alone first so a pattern like "a)|(b" cannot escape the group.
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, pattern, err)
	}
	return regexp.MustCompile(`^(?:` + pattern + `)$`), nil
}
