package exec

import (
	"path/filepath"
	"regexp"
	"strings"
)

// RiskTier scores how dangerous a command is. Tiers are ordered.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// MaxScanBytes bounds how much of a command is inspected.
const MaxScanBytes = 1 << 20

func (t RiskTier) String() string {
	switch t {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Assessment is the result of classifying a command.
type Assessment struct {
	Tier RiskTier `json:"tier"`
	// Binary is the leading executable of the first segment, lowercased.
	Binary  string   `json:"binary,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

func (a *Assessment) raise(tier RiskTier, reason string) {
	if tier > a.Tier {
		a.Tier = tier
	}
	if reason == "" {
		return
	}
	for _, existing := range a.Reasons {
		if existing == reason {
			return
		}
	}
	a.Reasons = append(a.Reasons, reason)
}

var (
	criticalVerbs = map[string]string{
		"fdisk":    "disk partitioning",
		"sfdisk":   "disk partitioning",
		"parted":   "disk partitioning",
		"wipefs":   "filesystem wipe",
		"shred":    "secure file destruction",
		"shutdown": "host shutdown",
		"reboot":   "host reboot",
		"halt":     "host shutdown",
		"poweroff": "host shutdown",
	}

	highVerbs = map[string]string{
		"rm":       "file deletion",
		"dd":       "raw block copy",
		"chmod":    "permission change",
		"chown":    "ownership change",
		"chgrp":    "ownership change",
		"kill":     "process termination",
		"killall":  "process termination",
		"pkill":    "process termination",
		"iptables": "firewall change",
		"useradd":  "account management",
		"userdel":  "account management",
		"usermod":  "account management",
		"passwd":   "account management",
		"crontab":  "scheduled task change",
		"mount":    "filesystem mount",
		"umount":   "filesystem mount",
		"init":     "runlevel change",
	}

	escalationVerbs = map[string]bool{
		"sudo":   true,
		"su":     true,
		"doas":   true,
		"pkexec": true,
	}

	wrapperVerbs = map[string]bool{
		"env":     true,
		"nohup":   true,
		"nice":    true,
		"time":    true,
		"command": true,
		"exec":    true,
		"timeout": true,
		"stdbuf":  true,
	}

	networkVerbs = map[string]bool{
		"curl":   true,
		"wget":   true,
		"nc":     true,
		"ncat":   true,
		"netcat": true,
		"aria2c": true,
		"fetch":  true,
		"scp":    true,
		"rsync":  true,
	}

	interpreterVerbs = map[string]bool{
		"sh":      true,
		"bash":    true,
		"zsh":     true,
		"dash":    true,
		"ksh":     true,
		"fish":    true,
		"python":  true,
		"python2": true,
		"python3": true,
		"perl":    true,
		"ruby":    true,
		"node":    true,
		"php":     true,
		"eval":    true,
		"source":  true,
	}

	readOnlyVerbs = map[string]bool{
		"ls": true, "pwd": true, "echo": true, "cat": true, "head": true,
		"tail": true, "wc": true, "grep": true, "egrep": true, "fgrep": true,
		"rg": true, "date": true, "whoami": true, "id": true, "uname": true,
		"hostname": true, "which": true, "true": true, "false": true,
		"printf": true, "sort": true, "uniq": true, "cut": true, "tr": true,
		"jq": true, "stat": true, "file": true, "du": true, "df": true,
		"ps": true, "uptime": true, "basename": true, "dirname": true,
		"realpath": true, "diff": true, "less": true, "more": true, "tree": true,
	}

	envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	forkBomb      = regexp.MustCompile(`:\s*\(\s*\)\s*\{[^}]*:\s*\|\s*:`)
	sensitivePath = regexp.MustCompile(`^(/etc/(passwd|shadow|sudoers|group|gshadow)|/etc/sudoers\.d/|/dev/(sd|hd|nvme|xvd|vd|disk|mmcblk)|/boot/)`)
	credentialRef = regexp.MustCompile(`/etc/(shadow|gshadow|sudoers)\b`)
	fetchRef      = regexp.MustCompile("(?:^|[\\s;|&(`\"'])(curl|wget|nc|ncat|netcat|aria2c)\\s")
)

// Classify returns the risk tier of command. It never panics and treats any
// input, including the empty string, as classifiable.
func Classify(command string) RiskTier {
	return Assess(command).Tier
}

// Assess classifies command and explains the score.
func Assess(command string) Assessment {
	var a Assessment
	if len(command) > MaxScanBytes {
		command = command[:MaxScanBytes]
		a.raise(RiskHigh, "oversized command")
	}
	if strings.TrimSpace(command) == "" {
		return a
	}

	if forkBomb.MatchString(command) {
		a.raise(RiskCritical, "fork bomb")
	}
	if credentialRef.MatchString(command) {
		a.raise(RiskHigh, "credential file access")
	}

	sc := ScanCommand(command)
	if sc.Substitution {
		a.raise(RiskHigh, "command substitution")
	}
	if sc.Unterminated {
		a.raise(RiskMedium, "unterminated quote")
	}
	for _, target := range sc.Redirects {
		if sensitivePath.MatchString(target) {
			a.raise(RiskCritical, "redirection into "+target)
		}
	}

	fetch, pipedInterpreter := false, false
	for i, seg := range sc.Segments {
		verb, args, escalation := leadingVerb(seg.Argv)
		if i == 0 {
			a.Binary = verb
		}
		if verb == "" {
			continue
		}
		if escalation {
			a.raise(RiskHigh, "privilege escalation")
		}
		if networkVerbs[verb] {
			fetch = true
			a.raise(RiskMedium, "network fetch")
		}
		if interpreterVerbs[verb] && sc.Piped(i) {
			pipedInterpreter = true
			a.raise(RiskHigh, "pipe into interpreter")
		}

		tier, reason := verbTier(verb, args)
		if tier >= RiskHigh && escalation {
			tier = RiskCritical
			reason = "privileged " + reason
		}
		a.raise(tier, reason)
	}

	if !fetch && sc.Substitution && fetchRef.MatchString(command) {
		fetch = true
		a.raise(RiskMedium, "network fetch")
	}
	if fetch && (sc.Substitution || pipedInterpreter) {
		a.raise(RiskCritical, "remote code execution")
	}
	return a
}

// leadingVerb returns the lowercased base name of the executable of argv,
// skipping env assignments and wrapper commands, plus the remaining args.
func leadingVerb(argv []string) (string, []string, bool) {
	escalation := false
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if envAssignment.MatchString(tok) {
			continue
		}
		verb := strings.ToLower(filepath.Base(tok))
		if escalationVerbs[verb] {
			escalation = true
			i = skipFlags(argv, i)
			continue
		}
		if wrapperVerbs[verb] {
			i = skipFlags(argv, i)
			continue
		}
		return verb, argv[i+1:], escalation
	}
	if escalation {
		return "sudo", nil, true
	}
	return "", nil, false
}

// skipFlags advances past option tokens following a wrapper.
func skipFlags(argv []string, i int) int {
	for i+1 < len(argv) && strings.HasPrefix(argv[i+1], "-") {
		i++
	}
	return i
}

// verbTier scores a single verb with its arguments. An empty reason with
// RiskMedium marks an unknown verb.
func verbTier(verb string, args []string) (RiskTier, string) {
	if strings.HasPrefix(verb, "mkfs") {
		return RiskCritical, "filesystem creation"
	}
	if reason, ok := criticalVerbs[verb]; ok {
		return RiskCritical, reason
	}

	switch verb {
	case "rm":
		if hasRecursiveFlag(args) {
			return RiskCritical, "recursive delete"
		}
	case "dd":
		for _, arg := range args {
			if strings.HasPrefix(arg, "of=/dev/") {
				return RiskCritical, "raw device write"
			}
		}
	case "systemctl", "service":
		for _, arg := range args {
			switch arg {
			case "poweroff", "reboot", "halt", "kexec":
				return RiskCritical, "host shutdown"
			case "stop", "disable", "mask", "kill":
				return RiskHigh, "service control"
			}
		}
		return RiskMedium, "service inspection"
	case "chmod":
		for _, arg := range args {
			if arg == "-R" || arg == "--recursive" {
				if containsRoot(args) {
					return RiskCritical, "recursive permission change on root"
				}
			}
		}
	}

	if reason, ok := highVerbs[verb]; ok {
		return RiskHigh, reason
	}
	if readOnlyVerbs[verb] {
		return RiskLow, ""
	}
	if networkVerbs[verb] {
		return RiskMedium, "network fetch"
	}
	return RiskMedium, ""
}

func hasRecursiveFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--recursive" {
			return true
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") &&
			strings.ContainsAny(arg[1:], "rR") {
			return true
		}
	}
	return false
}

func containsRoot(args []string) bool {
	for _, arg := range args {
		if arg == "/" || arg == "/*" {
			return true
		}
	}
	return false
}

// Warning returns the user-visible warning for a critical command, or "" when
// the command is below the critical tier.
func Warning(a Assessment) string {
	if a.Tier < RiskCritical {
		return ""
	}
	if len(a.Reasons) == 0 {
		return "WARNING: critical-risk command"
	}
	return "WARNING: critical-risk command (" + strings.Join(a.Reasons, "; ") + ")"
}
