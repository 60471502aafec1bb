// Package gitx shells out to git for the iteration's working copy: clone,
// branch, commit, push, diff, and the reset sequence used between plans.
package gitx

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Retry constants for transient git errors.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

// transientPatterns are error substrings that indicate a retryable git failure.
var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// sleepFunc is the function used for sleeping between retries.
// Replaced in tests to avoid real delays.
var sleepFunc = time.Sleep

// Repo wraps git operations for one cloned working copy.
type Repo struct {
	Dir           string
	DefaultBranch string
}

// CloneOptions names everything a fresh clone needs: where the remote lives,
// the token embedded into the fetch URL, and the committer identity stamped
// onto agent commits.
type CloneOptions struct {
	RemoteURL      string // https URL without credentials
	Token          string
	Dir            string
	CommitterName  string
	CommitterEmail string
	DefaultBranch  string // empty = "main"
}

// CloneFresh removes any previous workspace at opts.Dir and clones the
// remote into it with the token woven into the fetch URL.
func CloneFresh(ctx context.Context, opts CloneOptions) (*Repo, error) {
	if err := os.RemoveAll(opts.Dir); err != nil {
		return nil, fmt.Errorf("clear workspace dir: %w", err)
	}

	authURL, err := withToken(opts.RemoteURL, opts.Token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", "clone", authURL, opts.Dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone: %s: %w", redact(strings.TrimSpace(string(out)), opts.Token), err)
	}

	branch := opts.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	r := &Repo{Dir: opts.Dir, DefaultBranch: branch}
	r.ensureIdentity(opts.CommitterName, opts.CommitterEmail)

	slog.InfoContext(ctx, "workspace cloned",
		"dir", opts.Dir,
		"duration_ms", time.Since(start).Milliseconds())
	return r, nil
}

// withToken injects the access token into an https remote URL.
func withToken(remote, token string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if token != "" {
		u.User = url.UserPassword("oauth2", token)
	}
	return u.String(), nil
}

// redact keeps tokens out of error messages and logs.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "****")
}

// ensureIdentity sets user.name and user.email in the repo's local config
// if they are not already resolvable. This prevents "Author identity
// unknown" errors in bare CI-style environments.
func (r *Repo) ensureIdentity(name, email string) {
	if name == "" {
		name = "selfmod-agent"
	}
	if email == "" {
		email = "selfmod-agent@localhost"
	}
	if _, err := r.run("config", "user.name"); err != nil {
		_, _ = r.run("config", "user.name", name)
	}
	if _, err := r.run("config", "user.email"); err != nil {
		_, _ = r.run("config", "user.email", email)
	}
}

// run executes a git command in the repo directory.
// Transient errors (index locks, ref locks) are retried with exponential backoff.
func (r *Repo) run(args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	// unreachable — loop always returns
	return "", nil
}

// Root returns the working copy's directory.
func (r *Repo) Root() string {
	return r.Dir
}

// Head returns the commit SHA at HEAD.
func (r *Repo) Head() (string, error) {
	return r.run("rev-parse", "HEAD")
}

// CreateBranch creates and checks out a new branch off the default branch.
func (r *Repo) CreateBranch(name string) error {
	if _, err := r.run("checkout", r.DefaultBranch); err != nil {
		return err
	}
	_, err := r.run("checkout", "-b", name)
	return err
}

// CommitAll stages everything and commits with the given message.
// Uses --no-verify since no agent is present afterward to fix hook failures.
func (r *Repo) CommitAll(message string) error {
	if _, err := r.run("add", "."); err != nil {
		return err
	}
	_, err := r.run("commit", "--no-verify", "-m", message)
	return err
}

// Push pushes the branch, setting upstream on first push.
func (r *Repo) Push(branch string) error {
	_, err := r.run("push", "-u", "origin", branch)
	return err
}

// ForcePush force-pushes the branch.
func (r *Repo) ForcePush(branch string) error {
	_, err := r.run("push", "--force", "-u", "origin", branch)
	return err
}

// DeleteLocalBranch removes a local branch after switching back to the
// default branch.
func (r *Repo) DeleteLocalBranch(name string) error {
	if _, err := r.run("checkout", r.DefaultBranch); err != nil {
		return err
	}
	_, err := r.run("branch", "-D", name)
	return err
}

// RecentLog returns the last n commit subjects, newest first.
func (r *Repo) RecentLog(n int) (string, error) {
	return r.run("log", "--oneline", "-n", strconv.Itoa(n), r.DefaultBranch)
}

// DiffAgainstDefault returns the diff of the working tree and index against
// the default branch.
func (r *Repo) DiffAgainstDefault() (string, error) {
	return r.run("diff", r.DefaultBranch)
}

// ChangedFiles lists paths that differ from the default branch, including
// untracked files.
func (r *Repo) ChangedFiles() ([]string, error) {
	tracked, err := r.run("diff", "--name-status", r.DefaultBranch)
	if err != nil {
		return nil, err
	}
	untracked, err := r.run("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	var out []string
	for _, line := range strings.Split(tracked, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	for _, line := range strings.Split(untracked, "\n") {
		if line != "" {
			out = append(out, "A\t"+line)
		}
	}
	return out, nil
}

// Reset discards every local change and returns the working copy to a fresh
// default-branch state: checkout . && clean -fd && checkout main && pull.
func (r *Repo) Reset(ctx context.Context) error {
	start := time.Now()

	steps := [][]string{
		{"checkout", "."},
		{"clean", "-fd"},
		{"checkout", r.DefaultBranch},
		{"pull"},
	}
	for _, args := range steps {
		if _, err := r.run(args...); err != nil {
			return fmt.Errorf("reset workspace: %w", err)
		}
	}

	slog.InfoContext(ctx, "workspace reset",
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
