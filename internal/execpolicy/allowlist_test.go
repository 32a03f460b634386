package execpolicy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAnalyzeRejectsCompoundCommands(t *testing.T) {
	cwd := t.TempDir()
	rejected := []string{
		"",
		"ls | wc -l",
		"ls && rm x",
		"ls || true",
		"ls; rm x",
		"sleep 10 &",
		"echo hi > out.txt",
		"cat < in.txt",
		"echo $(id)",
		"echo \"$(id)\"",
		"echo `id`",
		"(ls)",
		"ls\nrm x",
		"echo 'open",
		"FOO=1 ls",
	}
	for _, command := range rejected {
		if a := Analyze(command, cwd, nil); a.OK {
			t.Errorf("Analyze(%q) should fail", command)
		}
	}

	accepted := []string{"ls -la", "git status", `echo 'a | b'`, "grep -n \"x;y\""}
	for _, command := range accepted {
		if a := Analyze(command, cwd, nil); !a.OK {
			t.Errorf("Analyze(%q) failed: %s", command, a.Reason)
		}
	}
}

func TestAnalyzeRejectsLoaderOverrides(t *testing.T) {
	for _, key := range []string{"LD_PRELOAD", "LD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES", "PATH", "BASH_ENV"} {
		a := Analyze("ls", "", map[string]string{key: "/tmp/x"})
		if a.OK {
			t.Errorf("env override %s should fail analysis", key)
		}
	}
	if a := Analyze("ls", "", map[string]string{"LANG": "C"}); !a.OK {
		t.Errorf("benign env override failed: %s", a.Reason)
	}
}

func TestMatchAllowlistPatterns(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "tool")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		pattern string
		command string
		want    bool
	}{
		{"exact name", "git", "git status", true},
		{"exact name case-insensitive", "GIT", "git status", true},
		{"exact name mismatch", "git", "gitk", false},
		{"name glob", "python3*", "python3.12 -V", true},
		{"path glob", dir + "/*", bin + " --flag", true},
		{"path glob mismatch", "/opt/**", bin, false},
		{"argv exact", "git status", "git status", true},
		{"argv extra args rejected", "git status", "git status -s", false},
		{"argv trailing wildcard", "git log **", "git log --oneline -5", true},
		{"argv trailing wildcard no args", "git log **", "git log", true},
		{"argv glob arg", "npm run test*", "npm run test:unit", true},
		{"argv wrong subcommand", "git log **", "git push --force", false},
		{"regex", "re:^make( test)?$", "make test", true},
		{"regex mismatch", "re:^make( test)?$", "make install", false},
		{"empty pattern", "  ", "ls", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entries := []Entry{{Pattern: tc.pattern}}
			eval := Evaluate(tc.command, entries, nil, dir, nil)
			if !eval.AnalysisOK {
				t.Fatalf("analysis failed: %s", eval.Reason)
			}
			if eval.AllowlistSatisfied != tc.want {
				t.Errorf("pattern %q vs %q: satisfied = %v, want %v", tc.pattern, tc.command, eval.AllowlistSatisfied, tc.want)
			}
			if tc.want && eval.Match == nil {
				t.Errorf("expected match entry")
			}
		})
	}
}

func TestSafeBinsRejectFileArguments(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "secrets.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	safe := []string{"grep", "ls"}

	if eval := Evaluate("grep -n needle", nil, safe, dir, nil); !eval.AllowlistSatisfied || !eval.SafeBin {
		t.Errorf("stdin-only grep should be satisfied: %+v", eval)
	}
	if eval := Evaluate("grep needle secrets.txt", nil, safe, dir, nil); eval.AllowlistSatisfied {
		t.Errorf("grep naming an existing file must not be satisfied")
	}
	if eval := Evaluate("grep needle /etc/hosts", nil, safe, dir, nil); eval.AllowlistSatisfied {
		t.Errorf("grep naming an absolute path must not be satisfied")
	}
	if eval := Evaluate("grep --file=./patterns x", nil, safe, dir, nil); eval.AllowlistSatisfied {
		t.Errorf("flag value path must not be satisfied")
	}
	if eval := Evaluate("cat -n", nil, safe, dir, nil); eval.AllowlistSatisfied {
		t.Errorf("cat is not a safe bin here")
	}
}

func TestSafeBinsRequireBareNameOnPath(t *testing.T) {
	dir := t.TempDir()
	planted := filepath.Join(dir, "jq")
	if err := os.WriteFile(planted, []byte("#!/bin/sh\necho pwned\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", t.TempDir())

	for _, command := range []string{"./jq -n", planted + " -n", "~/jq -n"} {
		eval := Evaluate(command, nil, DefaultSafeBins, dir, nil)
		if eval.AllowlistSatisfied || eval.SafeBin {
			t.Errorf("Evaluate(%q) = %+v, want unsatisfied", command, eval)
		}
	}
	// A bare name that is not on PATH is not a safe bin either.
	if eval := Evaluate("jq -n", nil, DefaultSafeBins, dir, nil); eval.AllowlistSatisfied {
		t.Errorf("unresolved jq should not be satisfied: %+v", eval)
	}

	t.Setenv("PATH", dir)
	if eval := Evaluate("jq -n", nil, DefaultSafeBins, dir, nil); !eval.AllowlistSatisfied || !eval.SafeBin {
		t.Errorf("jq resolved on PATH should be satisfied: %+v", eval)
	}
}

func TestSafeBinsRejectOutputFlags(t *testing.T) {
	dir := t.TempDir()
	safe := []string{"sort"}
	tests := []struct {
		command string
		want    bool
	}{
		{"sort -r", true},
		{"sort -o newfile.txt", false},
		{"sort -onewfile.txt", false},
		{"sort --output newfile.txt", false},
		{"sort --output=newfile.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := Evaluate(tt.command, nil, safe, dir, nil).AllowlistSatisfied; got != tt.want {
				t.Errorf("satisfied = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"ls", "/usr/bin/*", "git log **", "re:^make$", "npm run {test,lint}"} {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) = %v", p, err)
		}
	}
	for _, p := range []string{"", "re:(", "foo[", "git {a,b"} {
		if err := ValidatePattern(p); err == nil {
			t.Errorf("ValidatePattern(%q) should fail", p)
		}
	}
}
