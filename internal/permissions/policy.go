// Package permissions implements the allow/deny/ask policy layer that gates
// shell commands and file mutations.
//
// Two Engine instances exist per process, one for shell commands and one for
// file operations. Each owns a Policy (allow patterns, deny patterns, an
// ask-first flag and an enabled flag) behind a reader/writer lock. A Guard
// composes both engines with a shared bypass switch and an escalation
// Prompter.
//
// The engines never touch disk. Callers persist a Snapshot through whatever
// configuration store they own and feed edits back with Apply.
package permissions

import (
	"sort"
)

// Decision is the outcome of evaluating a subject against a policy.
type Decision int

const (
	// Allowed means the operation may run without asking.
	Allowed Decision = iota
	// Denied means the operation must not run.
	Denied
	// RequiresPermission means the user has to be asked.
	RequiresPermission
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case RequiresPermission:
		return "requires_permission"
	default:
		return "unknown"
	}
}

// Domain names the kind of operation an engine governs.
type Domain string

const (
	DomainShell Domain = "shell"
	DomainFile  Domain = "file"
)

// Policy is the persisted state of one permission domain.
type Policy struct {
	Enabled          bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	AskForPermission bool     `yaml:"ask_for_permission" json:"ask_for_permission" mapstructure:"ask_for_permission"`
	Allowed          []string `yaml:"allowed" json:"allowed" mapstructure:"allowed"`
	Denied           []string `yaml:"denied" json:"denied" mapstructure:"denied"`
}

// Snapshot captures both policies for persistence.
type Snapshot struct {
	Shell Policy `yaml:"shell" json:"shell" mapstructure:"shell"`
	Files Policy `yaml:"files" json:"files" mapstructure:"files"`
}

// DefaultShellPolicy returns the stock shell policy: read-only tooling is
// allowed, destructive and privilege-changing commands are denied, and
// anything else is escalated.
func DefaultShellPolicy() Policy {
	return Policy{
		Enabled:          true,
		AskForPermission: true,
		Allowed: []string{
			"ls", "pwd", "cd", "cat", "head", "tail", "grep", "find", "which", "whereis",
			"echo", "date", "whoami", "id", "uname", "df", "du", "wc", "sort", "uniq",
			"cut", "awk", "sed",
			"git status", "git log", "git diff", "git show", "git branch", "git tag",
			"go version", "go env", "go vet", "go test", "go build",
			"python --version", "python3 --version", "node --version", "npm --version",
		},
		Denied: []string{
			"rm *", "sudo rm *", "format", "fdisk", "mkfs", "dd", "shutdown", "reboot",
			"halt", "poweroff", "passwd", "su", "sudo su", "chmod 777 *", "chown *",
			"mv *", "cp *",
		},
	}
}

// DefaultFilePolicy returns the stock file policy: every mutation is escalated.
func DefaultFilePolicy() Policy {
	return Policy{Enabled: true, AskForPermission: true}
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	out := p
	out.Allowed = append([]string(nil), p.Allowed...)
	out.Denied = append([]string(nil), p.Denied...)
	return out
}

func toSet(patterns []string) map[string]struct{} {
	set := make(map[string]struct{}, len(patterns))
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		set[pattern] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
