package execpolicy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is an allowlist pattern. Pattern forms:
//
//	ls                 executable name, case-insensitive
//	python3*           glob against the executable name
//	/usr/bin/*         glob against the resolved executable path (also ~/...)
//	git status **      argv pattern; a trailing ** matches any remaining args
//	re:^make( test)?$  RE2 regex against the argv joined by spaces
type Entry struct {
	ID               string `json:"id,omitempty"`
	Pattern          string `json:"pattern"`
	LastUsedAt       int64  `json:"last_used_at,omitempty"`
	LastUsedCommand  string `json:"last_used_command,omitempty"`
	LastResolvedPath string `json:"last_resolved_path,omitempty"`
}

const regexPrefix = "re:"

// ValidatePattern checks that pattern is well formed.
func ValidatePattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.New("empty pattern")
	}
	if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
		return nil
	}
	for _, field := range strings.Fields(pattern) {
		if !doublestar.ValidatePattern(field) {
			return fmt.Errorf("invalid glob %q", field)
		}
	}
	return nil
}

// MatchAllowlist returns the first entry matching the command, or nil.
func MatchAllowlist(entries []Entry, argv []string, resolution *CommandResolution) *Entry {
	if resolution == nil || len(argv) == 0 {
		return nil
	}
	for i := range entries {
		if matchEntry(entries[i].Pattern, argv, resolution) {
			return &entries[i]
		}
	}
	return nil
}

func matchEntry(pattern string, argv []string, resolution *CommandResolution) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}

	if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		normalized := append([]string{resolution.ExecutableName}, argv[1:]...)
		return re.MatchString(strings.Join(normalized, " "))
	}

	fields := strings.Fields(pattern)
	if !matchExecutable(fields[0], resolution) {
		return false
	}
	if len(fields) == 1 {
		return true
	}

	args := argv[1:]
	argPatterns := fields[1:]
	for i, p := range argPatterns {
		if p == "**" && i == len(argPatterns)-1 {
			return true
		}
		if i >= len(args) {
			return false
		}
		ok, err := doublestar.Match(p, args[i])
		if err != nil || !ok {
			return false
		}
	}
	return len(args) == len(argPatterns)
}

func matchExecutable(pattern string, resolution *CommandResolution) bool {
	if strings.Contains(pattern, "/") || strings.HasPrefix(pattern, "~") {
		if resolution.ResolvedPath == "" {
			return false
		}
		ok, err := doublestar.Match(strings.ToLower(expandHome(pattern)), strings.ToLower(resolution.ResolvedPath))
		return err == nil && ok
	}
	name := strings.ToLower(resolution.ExecutableName)
	if strings.ContainsAny(pattern, "*?[{") {
		ok, err := doublestar.Match(strings.ToLower(pattern), name)
		return err == nil && ok
	}
	return strings.EqualFold(pattern, name)
}
