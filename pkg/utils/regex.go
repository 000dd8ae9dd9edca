package utils

import (
	"regexp"
)

// CompileRegex compiles a user supplied pattern, optionally case-insensitive.
func CompileRegex(pattern string, icase bool) (*regexp.Regexp, error) {
	if icase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, WrapErrorf(ErrInvalidPattern, "'%s': %v", pattern, err)
	}
	return re, nil
}
