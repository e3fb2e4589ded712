package provision

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dyluth/berth/internal/config"
)

// Tag is the principal kind of an ACL entry
type Tag string

const (
	TagUser     Tag = "user"
	TagGroup    Tag = "group"
	TagOwner    Tag = "owner@"
	TagGroupAt  Tag = "group@"
	TagEveryone Tag = "everyone@"
)

// FullSet is the complete NFSv4 permission set in ls -V letter order
const FullSet = "rwxpdDaARWcCos"

// Entry is one NFSv4 access control entry
type Entry struct {
	Tag         Tag
	Principal   string // Empty for the owner@, group@ and everyone@ tags
	Perms       string // Letters from FullSet, "-" padding removed
	Inheritable bool   // Inherited by both files (f) and directories (d)
	Allow       bool
}

// Grant returns a full_set, inheritable allow entry for a user
func Grant(user string) Entry {
	return Entry{Tag: TagUser, Principal: user, Perms: FullSet, Inheritable: true, Allow: true}
}

// GrantEveryone returns the full_set, inheritable allow entry for everyone@
func GrantEveryone() Entry {
	return Entry{Tag: TagEveryone, Perms: FullSet, Inheritable: true, Allow: true}
}

// String renders the entry in canonical form, e.g. user:bitcoin:full_set:inheritable:allow
func (e Entry) String() string {
	perms := e.Perms
	if perms == FullSet {
		perms = "full_set"
	}
	inherit := "noinherit"
	if e.Inheritable {
		inherit = "inheritable"
	}
	return e.join(perms, inherit)
}

// spec renders the entry as a chmod A= argument
func (e Entry) spec() string {
	perms := e.Perms
	if perms == FullSet {
		perms = "full_set"
	}
	flags := "-"
	if e.Inheritable {
		flags = "fd"
	}
	return e.join(perms, flags)
}

func (e Entry) join(perms, flags string) string {
	kind := "deny"
	if e.Allow {
		kind = "allow"
	}
	if e.Principal != "" {
		return fmt.Sprintf("%s:%s:%s:%s:%s", e.Tag, e.Principal, perms, flags, kind)
	}
	return fmt.Sprintf("%s:%s:%s:%s", e.Tag, perms, flags, kind)
}

// ACL is an ordered list of entries
type ACL []Entry

// DesiredACL returns the exact ACL of a family's socket directory: the owner,
// every consumer once in configured order, then everyone@ when granted.
func DesiredACL(f config.Family, everyone bool) ACL {
	seen := make(map[string]bool)
	var acl ACL
	for _, id := range append([]string{f.OwnerUser}, f.Consumers...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		acl = append(acl, Grant(id))
	}
	if everyone {
		acl = append(acl, GrantEveryone())
	}
	return acl
}

// Equal reports whether both ACLs hold the same entries. Order is ignored:
// all entries are allows, so evaluation order cannot change the result.
func (a ACL) Equal(b ACL) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[Entry]int, len(a))
	for _, e := range a {
		count[e]++
	}
	for _, e := range b {
		if count[e] == 0 {
			return false
		}
		count[e]--
	}
	return true
}

// Strings renders every entry in canonical form
func (a ACL) Strings() []string {
	out := make([]string, len(a))
	for i, e := range a {
		out[i] = e.String()
	}
	return out
}

// ParseACL parses the output of ls -dV. The first line is the directory
// listing itself; every following non-empty line is one entry.
func ParseACL(output string) (ACL, error) {
	var acl ACL
	scanner := bufio.NewScanner(strings.NewReader(output))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			continue
		}
		if line == "" {
			continue
		}
		entry, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		acl = append(acl, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return acl, nil
}

func parseEntry(line string) (Entry, error) {
	fields := strings.Split(line, ":")

	var e Entry
	switch Tag(fields[0]) {
	case TagUser, TagGroup:
		if len(fields) < 5 {
			return Entry{}, fmt.Errorf("malformed ACL entry %q", line)
		}
		e.Tag, e.Principal = Tag(fields[0]), fields[1]
		fields = fields[2:]
	case TagOwner, TagGroupAt, TagEveryone:
		if len(fields) < 4 {
			return Entry{}, fmt.Errorf("malformed ACL entry %q", line)
		}
		e.Tag = Tag(fields[0])
		fields = fields[1:]
	default:
		return Entry{}, fmt.Errorf("unknown ACL entry tag in %q", line)
	}

	e.Perms = strings.ReplaceAll(fields[0], "-", "")
	if e.Perms == "full_set" {
		e.Perms = FullSet
	}
	e.Inheritable = strings.Contains(fields[1], "f") && strings.Contains(fields[1], "d")

	switch fields[2] {
	case "allow":
		e.Allow = true
	case "deny":
	default:
		return Entry{}, fmt.Errorf("unknown ACL entry type %q in %q", fields[2], line)
	}

	return e, nil
}

// ACLBackend reads and replaces directory ACLs
type ACLBackend interface {
	Read(ctx context.Context, path string) (ACL, error)
	Replace(ctx context.Context, path string, acl ACL) error
}

// Runner executes an external command and returns its combined output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ChmodBackend manages ACLs with the illumos chmod and ls tools.
// Replace writes the whole ACL in one chmod A= call.
type ChmodBackend struct {
	Runner    Runner
	ChmodPath string
	LsPath    string
}

// NewChmodBackend creates a backend for the configured tool paths
func NewChmodBackend(cfg config.ACLConfig) *ChmodBackend {
	return &ChmodBackend{Runner: ExecRunner{}, ChmodPath: cfg.ChmodPath, LsPath: cfg.LsPath}
}

func (b *ChmodBackend) Read(ctx context.Context, path string) (ACL, error) {
	out, err := b.Runner.Run(ctx, b.LsPath, "-dV", path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ACL of %s: %w", path, err)
	}
	acl, err := ParseACL(string(out))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ACL of %s: %w", path, err)
	}
	return acl, nil
}

func (b *ChmodBackend) Replace(ctx context.Context, path string, acl ACL) error {
	if len(acl) == 0 {
		return fmt.Errorf("refusing to write an empty ACL to %s", path)
	}
	specs := make([]string, len(acl))
	for i, e := range acl {
		specs[i] = e.spec()
	}
	if _, err := b.Runner.Run(ctx, b.ChmodPath, "A="+strings.Join(specs, ","), path); err != nil {
		return fmt.Errorf("failed to set ACL of %s: %w", path, err)
	}
	return nil
}
