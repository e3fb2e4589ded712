package git

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotRepository is returned when the source root is not inside a Git repository
var ErrNotRepository = errors.New("not a Git repository")

// Checker inspects the repository that contains a source tree
type Checker struct {
	repo *gogit.Repository
}

// NewChecker opens the repository containing path, searching parent directories
func NewChecker(path string) (*Checker, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("failed to open Git repository at %s: %w", path, err)
	}
	return &Checker{repo: repo}, nil
}

// Root returns the absolute path of the work tree
func (c *Checker) Root() (string, error) {
	w, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get Git worktree: %w", err)
	}
	return w.Filesystem.Root(), nil
}

// Revision returns the commit hash of HEAD, or "" for a repository without commits
func (c *Checker) Revision() (string, error) {
	head, err := c.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// IsWorkspaceClean returns true if the Git working directory has no uncommitted changes.
// This includes staged, unstaged, and untracked files.
func (c *Checker) IsWorkspaceClean() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return status.IsClean(), nil
}

// GetDirtyFiles returns a formatted list of uncommitted changes for warnings.
// Returns empty string if workspace is clean.
func (c *Checker) GetDirtyFiles() (string, error) {
	status, err := c.status()
	if err != nil {
		return "", err
	}

	var modified, untracked []string
	for file, s := range status {
		switch {
		case s.Worktree == gogit.Untracked:
			untracked = append(untracked, file)
		case s.Worktree != gogit.Unmodified || s.Staging != gogit.Unmodified:
			modified = append(modified, file)
		}
	}
	sort.Strings(modified)
	sort.Strings(untracked)

	// Format output
	var parts []string
	if len(modified) > 0 {
		parts = append(parts, "Uncommitted changes:")
		for _, file := range modified {
			parts = append(parts, fmt.Sprintf(" M %s", file))
		}
	}
	if len(untracked) > 0 {
		if len(parts) > 0 {
			parts = append(parts, "")
		}
		parts = append(parts, "Untracked files:")
		for _, file := range untracked {
			parts = append(parts, fmt.Sprintf("?? %s", file))
		}
	}

	return strings.Join(parts, "\n"), nil
}

func (c *Checker) status() (gogit.Status, error) {
	w, err := c.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get Git worktree: %w", err)
	}

	status, err := w.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to check Git status: %w", err)
	}
	return status, nil
}
