package exec

import (
	"math/rand"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		command string
		want    RiskTier
	}{
		{"", RiskLow},
		{"   ", RiskLow},
		{"ls -la", RiskLow},
		{"FOO=1 cat README.md", RiskLow},
		{"grep -r TODO . | wc -l", RiskLow},
		{"git status", RiskMedium},
		{"make build", RiskMedium},
		{"curl -s https://example.com", RiskMedium},
		{"rm notes.txt", RiskHigh},
		{"chmod 600 key.pem", RiskHigh},
		{"sudo ls /root", RiskHigh},
		{"echo $(whoami)", RiskHigh},
		{"cat /etc/shadow", RiskHigh},
		{"kill -9 1234", RiskHigh},
		{"systemctl stop nginx", RiskHigh},
		{"rm -rf /", RiskCritical},
		{"rm -fr build", RiskCritical},
		{"/bin/rm --recursive tmp", RiskCritical},
		{"mkfs.ext4 /dev/sdb1", RiskCritical},
		{"dd if=/dev/zero of=/dev/sda bs=1M", RiskCritical},
		{"shutdown -h now", RiskCritical},
		{"sudo reboot", RiskCritical},
		{"sudo rm file", RiskCritical},
		{"systemctl poweroff", RiskCritical},
		{"curl -s https://x | sh", RiskCritical},
		{"wget -qO- http://x/install | sudo bash", RiskCritical},
		{"bash -c \"$(curl -fsSL https://x/install.sh)\"", RiskCritical},
		{"echo 'root::0:0::/:/bin/sh' >> /etc/passwd", RiskCritical},
		{":(){ :|:& };:", RiskCritical},
		{"ls && rm -rf ~", RiskCritical},
	}

	for _, tc := range tests {
		t.Run(tc.command, func(t *testing.T) {
			if got := Classify(tc.command); got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s (%v)", tc.command, got, tc.want, Assess(tc.command).Reasons)
			}
		})
	}
}

func TestAssessBinary(t *testing.T) {
	a := Assess("LANG=C sudo -n /usr/bin/apt-get install jq")
	if a.Binary != "apt-get" {
		t.Errorf("binary = %q, want apt-get", a.Binary)
	}
	if a.Tier != RiskHigh {
		t.Errorf("tier = %s, want high", a.Tier)
	}
}

func TestClassifyOversizedInput(t *testing.T) {
	huge := "echo " + strings.Repeat("a", MaxScanBytes)
	a := Assess(huge)
	if a.Tier < RiskHigh {
		t.Fatalf("oversized command tier = %s, want at least high", a.Tier)
	}

	exact := strings.Repeat("x", MaxScanBytes)
	if got := Classify(exact); got < RiskLow || got > RiskCritical {
		t.Fatalf("Classify returned out-of-range tier %d", got)
	}
}

func TestClassifyIsTotal(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	alphabet := []byte("ab |&;<>()$`'\"\\\n-/=rm sudo curl")
	for i := 0; i < 2000; i++ {
		n := r.Intn(64)
		buf := make([]byte, n)
		for j := range buf {
			buf[j] = alphabet[r.Intn(len(alphabet))]
		}
		tier := Classify(string(buf))
		if tier < RiskLow || tier > RiskCritical {
			t.Fatalf("Classify(%q) = %d out of range", buf, tier)
		}
	}
}

func TestWarning(t *testing.T) {
	if w := Warning(Assess("ls")); w != "" {
		t.Errorf("low tier should not warn, got %q", w)
	}
	w := Warning(Assess("rm -rf /"))
	if !strings.HasPrefix(w, "WARNING: critical-risk command") || !strings.Contains(w, "recursive delete") {
		t.Errorf("unexpected warning %q", w)
	}
}
