package execpolicy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexus-exec/internal/exec"
)

// DefaultSafeBins may run without an allowlist entry when used stdin-only.
var DefaultSafeBins = []string{"jq", "grep", "cut", "sort", "uniq", "head", "tail", "tr", "wc"}

// CommandResolution describes the executable of a command.
type CommandResolution struct {
	RawExecutable  string `json:"rawExecutable"`
	ResolvedPath   string `json:"resolvedPath,omitempty"`
	ExecutableName string `json:"executableName"`
}

// Analysis is the result of checking that a command is a single simple
// command the allowlist can reason about.
type Analysis struct {
	OK         bool               `json:"ok"`
	Reason     string             `json:"reason,omitempty"`
	Argv       []string           `json:"argv,omitempty"`
	Resolution *CommandResolution `json:"resolution,omitempty"`
}

// Evaluation is the allowlist verdict for one command.
type Evaluation struct {
	AnalysisOK         bool     `json:"analysisOk"`
	AllowlistSatisfied bool     `json:"allowlistSatisfied"`
	Reason             string   `json:"reason,omitempty"`
	Match              *Entry   `json:"match,omitempty"`
	SafeBin            bool     `json:"safeBin,omitempty"`
	Analysis           Analysis `json:"analysis"`
}

// Analyze rejects anything but a single simple command: pipes, chains,
// redirections, subshells, substitutions and loader environment overrides
// all fail analysis.
func Analyze(command, cwd string, env map[string]string) Analysis {
	if strings.TrimSpace(command) == "" {
		return Analysis{Reason: "empty command"}
	}
	if len(command) > exec.MaxScanBytes {
		return Analysis{Reason: "command too long"}
	}
	for key := range env {
		if unsafeEnvKey(key) {
			return Analysis{Reason: "unsafe environment override: " + key}
		}
	}

	sc := exec.ScanCommand(command)
	switch {
	case sc.Unterminated:
		return Analysis{Reason: "unterminated shell quote/escape"}
	case sc.Substitution:
		return Analysis{Reason: "unsupported shell token: command substitution"}
	case sc.Redirection:
		return Analysis{Reason: "unsupported shell token: redirection"}
	case sc.Subshell:
		return Analysis{Reason: "unsupported shell token: subshell"}
	case len(sc.Segments) == 0:
		return Analysis{Reason: "empty command"}
	case len(sc.Segments) > 1:
		return Analysis{Reason: "unsupported shell token: " + string(sc.Segments[1].Joined)}
	}
	if strings.HasSuffix(strings.TrimSpace(command), "&") {
		return Analysis{Reason: "unsupported shell token: &"}
	}

	argv := sc.Segments[0].Argv
	if len(argv) == 0 {
		return Analysis{Reason: "empty command"}
	}
	if _, err := exec.CheckExecutable(argv[0]); err != nil {
		return Analysis{Reason: err.Error()}
	}
	if strings.Contains(argv[0], "=") {
		return Analysis{Reason: "inline environment assignment"}
	}

	return Analysis{
		OK:         true,
		Argv:       argv,
		Resolution: ResolveExecutable(argv[0], cwd),
	}
}

// unsafeEnvKey reports env overrides that change which code a binary loads.
func unsafeEnvKey(key string) bool {
	k := strings.ToUpper(strings.TrimSpace(key))
	return strings.HasPrefix(k, "LD_") || strings.HasPrefix(k, "DYLD_") ||
		k == "PATH" || k == "BASH_ENV" || k == "ENV" || k == "IFS"
}

// ResolveExecutable finds the executable for raw. Paths are resolved against
// cwd; bare names are searched on the gateway's PATH.
func ResolveExecutable(raw, cwd string) *CommandResolution {
	if raw == "" {
		return nil
	}
	expanded := expandHome(raw)

	if strings.Contains(expanded, "/") {
		resolved := expanded
		if !filepath.IsAbs(resolved) {
			base := cwd
			if base == "" {
				base, _ = os.Getwd()
			}
			resolved = filepath.Join(base, expanded)
		}
		return &CommandResolution{
			RawExecutable:  raw,
			ResolvedPath:   filepath.Clean(resolved),
			ExecutableName: filepath.Base(resolved),
		}
	}

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, expanded)
		if isExecutableFile(candidate) {
			return &CommandResolution{
				RawExecutable:  raw,
				ResolvedPath:   candidate,
				ExecutableName: expanded,
			}
		}
	}
	return &CommandResolution{RawExecutable: raw, ExecutableName: expanded}
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// NormalizeSafeBins returns the lowercased set of safe binary names.
func NormalizeSafeBins(entries []string) map[string]bool {
	result := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if name := strings.ToLower(strings.TrimSpace(entry)); name != "" {
			result[name] = true
		}
	}
	return result
}

// outputFlags name a file the safe bin would write.
var outputFlags = map[string]bool{
	"-o":       true,
	"--output": true,
}

// IsSafeBinUsage reports whether argv runs a safe binary without naming any
// file: the executable is a bare name found on PATH, and every argument is a
// flag or a value that is neither path-like nor an existing file under cwd.
// Output flags are never stdin-only.
func IsSafeBinUsage(argv []string, resolution *CommandResolution, safeBins map[string]bool, cwd string) bool {
	if len(safeBins) == 0 || resolution == nil || len(argv) == 0 {
		return false
	}
	raw := resolution.RawExecutable
	if raw == "" || strings.ContainsAny(raw, `/\`) || strings.HasPrefix(raw, "~") {
		return false
	}
	if resolution.ResolvedPath == "" || !safeBins[strings.ToLower(resolution.ExecutableName)] {
		return false
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	for _, arg := range argv[1:] {
		if arg == "-" {
			continue
		}
		if strings.HasPrefix(arg, "-") {
			name, _, _ := strings.Cut(arg, "=")
			if outputFlags[name] || (strings.HasPrefix(arg, "-o") && !strings.HasPrefix(arg, "--")) {
				return false
			}
			if idx := strings.Index(arg, "="); idx > 0 {
				value := arg[idx+1:]
				if isPathLike(value) || fileExists(filepath.Join(cwd, value)) {
					return false
				}
			}
			continue
		}
		if isPathLike(arg) || fileExists(filepath.Join(cwd, arg)) {
			return false
		}
	}
	return true
}

func isPathLike(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return false
	}
	return strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") ||
		strings.HasPrefix(s, "~") || strings.HasPrefix(s, "/")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Evaluate analyzes command and checks it against the allowlist and safe
// binaries. It has no side effects.
func Evaluate(command string, allowlist []Entry, safeBins []string, cwd string, env map[string]string) Evaluation {
	analysis := Analyze(command, cwd, env)
	eval := Evaluation{AnalysisOK: analysis.OK, Analysis: analysis, Reason: analysis.Reason}
	if !analysis.OK {
		return eval
	}

	if match := MatchAllowlist(allowlist, analysis.Argv, analysis.Resolution); match != nil {
		eval.AllowlistSatisfied = true
		eval.Match = match
		eval.Reason = ""
		return eval
	}
	if IsSafeBinUsage(analysis.Argv, analysis.Resolution, NormalizeSafeBins(safeBins), cwd) {
		eval.AllowlistSatisfied = true
		eval.SafeBin = true
		eval.Reason = ""
		return eval
	}

	eval.Reason = "allowlist miss"
	return eval
}
