// Package vcs implements the VCS capability (§3.16): branch creation,
// commit, and a pre-merge report comparing a worker's feature branch
// against the configured integration branch.
//
// Adapted from the teacher's tools/git/executor.go: the same runGit
// (os/exec.CommandContext with cmd.Dir pinned to the repo root),
// isGitRepo/branchExists guards, conventional-commit validation, and path
// safety checks, generalized behind a VCS interface so callers (and tests)
// never shell out directly. tools/git/decision.go's file-change
// classification (added/modified/deleted from a git diff status letter)
// is reused for MergeReport's changed-file listing.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// conventionalCommitPattern matches conventional commit format.
var conventionalCommitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf|ci|build|revert)(\([a-zA-Z0-9_-]+\))?: .+`)

// ValidateConventionalCommit reports whether message follows conventional
// commit format.
func ValidateConventionalCommit(message string) bool {
	return conventionalCommitPattern.MatchString(message)
}

// FileChange is one file touched by a commit or present in a merge diff.
type FileChange struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // add, modify, delete
}

// CommitInfo describes a commit just made by Commit.
type CommitInfo struct {
	Hash    string       `json:"hash"`
	Message string       `json:"message"`
	Files   []FileChange `json:"files"`
}

// MergeReport compares Head against Base without merging, the check run
// before the delivery phase folds a worker's branch into the integration
// branch.
type MergeReport struct {
	Base         string       `json:"base"`
	Head         string       `json:"head"`
	FilesChanged []FileChange `json:"filesChanged"`
	AheadCommits int          `json:"aheadCommits"`
	Conflicts    bool         `json:"conflicts"`
}

// VCS is the capability boundary workers and the delivery phase depend on.
// Implementations must never be given paths outside the caller's declared
// repository root.
type VCS interface {
	// Branch switches to name, creating it from base if it does not yet
	// exist. base is ignored if name already exists.
	Branch(ctx context.Context, name, base string) error
	// Commit stages (if stageAll) and commits the current working tree
	// with message, which must be a conventional commit.
	Commit(ctx context.Context, message string, stageAll bool) (CommitInfo, error)
	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)
	// MergeReport compares head against base using a merge-base diff,
	// without mutating the working tree.
	MergeReport(ctx context.Context, base, head string) (MergeReport, error)
}

// shellVCS implements VCS by shelling out to the git binary, the way the
// teacher's tools/git Executor does.
type shellVCS struct {
	repoRoot string
}

// NewShellVCS returns a VCS rooted at repoRoot. repoRoot must already be an
// initialized git repository.
func NewShellVCS(repoRoot string) (VCS, error) {
	v := &shellVCS{repoRoot: repoRoot}
	if !v.isGitRepo() {
		return nil, fmt.Errorf("vcs: %q is not a git repository", repoRoot)
	}
	return v, nil
}

func (v *shellVCS) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = v.repoRoot

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}

func (v *shellVCS) isGitRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = v.repoRoot
	return cmd.Run() == nil
}

func (v *shellVCS) branchExists(ctx context.Context, name string) bool {
	_, err := v.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

func (v *shellVCS) Branch(ctx context.Context, name, base string) error {
	if name == "" {
		return fmt.Errorf("vcs: branch name is required")
	}
	if v.branchExists(ctx, name) {
		_, err := v.runGit(ctx, "checkout", name)
		return err
	}
	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	_, err := v.runGit(ctx, args...)
	return err
}

func (v *shellVCS) Commit(ctx context.Context, message string, stageAll bool) (CommitInfo, error) {
	if !ValidateConventionalCommit(message) {
		return CommitInfo{}, fmt.Errorf("vcs: commit message does not follow conventional commit format: %s", message)
	}

	if stageAll {
		if _, err := v.runGit(ctx, "add", "-A"); err != nil {
			return CommitInfo{}, fmt.Errorf("vcs: stage changes: %w", err)
		}
	}

	staged, _ := v.runGit(ctx, "diff", "--cached", "--name-only")
	if strings.TrimSpace(staged) == "" {
		return CommitInfo{}, fmt.Errorf("vcs: nothing to commit")
	}

	if _, err := v.runGit(ctx, "commit", "-m", message); err != nil {
		return CommitInfo{}, fmt.Errorf("vcs: commit: %w", err)
	}

	hash, err := v.runGit(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("vcs: resolve commit hash: %w", err)
	}
	hash = strings.TrimSpace(hash)

	filesOutput, _ := v.runGit(ctx, "diff-tree", "--no-commit-id", "--name-status", "-r", "HEAD")
	return CommitInfo{Hash: hash, Message: message, Files: parseNameStatus(filesOutput)}, nil
}

func (v *shellVCS) CurrentBranch(ctx context.Context) (string, error) {
	out, err := v.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (v *shellVCS) MergeReport(ctx context.Context, base, head string) (MergeReport, error) {
	mergeBase, err := v.runGit(ctx, "merge-base", base, head)
	if err != nil {
		return MergeReport{}, fmt.Errorf("vcs: merge-base %s...%s: %w", base, head, err)
	}
	mergeBase = strings.TrimSpace(mergeBase)

	diffOutput, err := v.runGit(ctx, "diff", "--name-status", mergeBase, head)
	if err != nil {
		return MergeReport{}, fmt.Errorf("vcs: diff %s..%s: %w", base, head, err)
	}

	aheadOutput, err := v.runGit(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return MergeReport{}, fmt.Errorf("vcs: rev-list %s..%s: %w", base, head, err)
	}
	ahead := 0
	fmt.Sscanf(strings.TrimSpace(aheadOutput), "%d", &ahead)

	_, mergeErr := v.runGit(ctx, "merge-tree", mergeBase, base, head)
	conflicts := mergeErr != nil

	return MergeReport{
		Base:         base,
		Head:         head,
		FilesChanged: parseNameStatus(diffOutput),
		AheadCommits: ahead,
		Conflicts:    conflicts,
	}, nil
}

// parseNameStatus turns `git diff --name-status`/`diff-tree --name-status`
// output ("A\tfile.go", "M\tfile.go", "D\tfile.go") into FileChanges, the
// way the teacher's tools/git/decision.go classifies file operations from a
// git status letter.
func parseNameStatus(output string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			changes = append(changes, FileChange{Path: filepath.Clean(line), Operation: "modify"})
			continue
		}
		changes = append(changes, FileChange{Path: parts[1], Operation: operationFromStatus(parts[0])})
	}
	return changes
}

func operationFromStatus(status string) string {
	switch {
	case strings.HasPrefix(status, "A"):
		return "add"
	case strings.HasPrefix(status, "D"):
		return "delete"
	default:
		return "modify"
	}
}
