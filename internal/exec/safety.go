// Package exec classifies shell commands before they reach an execution host.
// It scans command strings lexically and scores their risk; it never
// interprets or runs them.
package exec

import (
	"errors"
	"regexp"
	"strings"
)

var (
	shellMetachars = regexp.MustCompile("[;&|`$<>]")
	lineBreaks     = regexp.MustCompile(`[\r\n]`)
	quotes         = regexp.MustCompile(`["']`)
	bareName       = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
	driveLetter    = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// Errors returned by CheckExecutable.
var (
	ErrEmptyExecutable = errors.New("executable is empty")
	ErrNullByte        = errors.New("executable contains a NUL byte")
	ErrLineBreak       = errors.New("executable contains a line break")
	ErrShellMetachar   = errors.New("executable contains shell metacharacters")
	ErrQuote           = errors.New("executable contains quotes")
	ErrLeadingDash     = errors.New("executable looks like an option")
	ErrInvalidName     = errors.New("executable name has invalid characters")
)

// IsLikelyPath reports whether value names a file path rather than a bare
// executable name.
func IsLikelyPath(value string) bool {
	switch {
	case value == "":
		return false
	case value[0] == '.' || value[0] == '~':
		return true
	case strings.ContainsAny(value, `/\`):
		return true
	}
	return driveLetter.MatchString(value)
}

// CheckExecutable validates the executable token of an argv and returns it
// trimmed. Paths skip the bare name checks.
func CheckExecutable(value string) (string, error) {
	name := strings.TrimSpace(value)
	switch {
	case name == "":
		return "", ErrEmptyExecutable
	case strings.IndexByte(name, 0) >= 0:
		return "", ErrNullByte
	case lineBreaks.MatchString(name):
		return "", ErrLineBreak
	case shellMetachars.MatchString(name):
		return "", ErrShellMetachar
	case quotes.MatchString(name):
		return "", ErrQuote
	case IsLikelyPath(name):
		return name, nil
	case name[0] == '-':
		return "", ErrLeadingDash
	case !bareName.MatchString(name):
		return "", ErrInvalidName
	}
	return name, nil
}
