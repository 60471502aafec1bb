// Package cihost adapts the code host's merge-request and pipeline APIs to
// the iteration driver's needs: opening/closing/merging PRs, deleting
// branches, polling check runs for a commit, and extracting the useful slice
// of a failing check's log.
package cihost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// CheckStatus is the driver-facing view of one check run's state.
type CheckStatus string

const (
	StatusRunning CheckStatus = "running"
	StatusPassed  CheckStatus = "passed"
	StatusFailed  CheckStatus = "failed"
)

// Check is one check run (a pipeline job) for a commit.
type Check struct {
	ID     int
	Name   string
	Status CheckStatus
}

// PR is one pull request owned by the agent.
type PR struct {
	IID    int
	Title  string
	Branch string
}

type Client interface {
	ListOpenPRsByAuthor(ctx context.Context) ([]PR, error)
	OpenPR(ctx context.Context, branch, title, description string) (PR, error)
	ClosePR(ctx context.Context, iid int) error
	MergePR(ctx context.Context, iid int) error
	DeleteBranch(ctx context.Context, name string) error

	ChecksFor(ctx context.Context, sha string) ([]Check, error)
	CheckLog(ctx context.Context, check Check) (string, error)

	// LatestMainCoverage returns the coverage table from the most recent
	// successful pipeline on the default branch, or "" when none exists.
	LatestMainCoverage(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL       string // empty = gitlab.com
	Token         string
	Owner         string
	Repo          string
	Author        string // the agent's own username, used to find stale PRs
	DefaultBranch string // empty = "main"
}

type gitLabClient struct {
	gl            *gitlab.Client
	projectID     string
	author        string
	defaultBranch string
}

func NewGitLab(cfg Config) (Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("code host token is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("code host owner and repo are required")
	}

	var gl *gitlab.Client
	var err error
	if cfg.BaseURL == "" {
		gl, err = gitlab.NewClient(cfg.Token)
	} else {
		apiURL := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/v4"
		gl, err = gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(apiURL))
	}
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	branch := cfg.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	return &gitLabClient{
		gl:            gl,
		projectID:     cfg.Owner + "/" + cfg.Repo,
		author:        cfg.Author,
		defaultBranch: branch,
	}, nil
}

func (c *gitLabClient) ListOpenPRsByAuthor(ctx context.Context) ([]PR, error) {
	mrs, _, err := c.gl.MergeRequests.ListProjectMergeRequests(
		c.projectID,
		&gitlab.ListProjectMergeRequestsOptions{
			State:          gitlab.Ptr("opened"),
			AuthorUsername: gitlab.Ptr(c.author),
		},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("listing open merge requests: %w", err)
	}

	out := make([]PR, 0, len(mrs))
	for _, mr := range mrs {
		if mr == nil {
			continue
		}
		out = append(out, PR{IID: int(mr.IID), Title: mr.Title, Branch: mr.SourceBranch})
	}
	return out, nil
}

func (c *gitLabClient) OpenPR(ctx context.Context, branch, title, description string) (PR, error) {
	mr, _, err := c.gl.MergeRequests.CreateMergeRequest(
		c.projectID,
		&gitlab.CreateMergeRequestOptions{
			Title:        gitlab.Ptr(title),
			Description:  gitlab.Ptr(description),
			SourceBranch: gitlab.Ptr(branch),
			TargetBranch: gitlab.Ptr(c.defaultBranch),
		},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return PR{}, fmt.Errorf("opening merge request for %s: %w", branch, err)
	}

	slog.InfoContext(ctx, "merge request opened", "iid", mr.IID, "branch", branch)
	return PR{IID: int(mr.IID), Title: mr.Title, Branch: mr.SourceBranch}, nil
}

func (c *gitLabClient) ClosePR(ctx context.Context, iid int) error {
	_, _, err := c.gl.MergeRequests.UpdateMergeRequest(
		c.projectID,
		int64(iid),
		&gitlab.UpdateMergeRequestOptions{StateEvent: gitlab.Ptr("close")},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("closing merge request !%d: %w", iid, err)
	}
	return nil
}

func (c *gitLabClient) MergePR(ctx context.Context, iid int) error {
	_, _, err := c.gl.MergeRequests.AcceptMergeRequest(
		c.projectID,
		int64(iid),
		&gitlab.AcceptMergeRequestOptions{},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("merging merge request !%d: %w", iid, err)
	}

	slog.InfoContext(ctx, "merge request merged", "iid", iid)
	return nil
}

func (c *gitLabClient) DeleteBranch(ctx context.Context, name string) error {
	_, err := c.gl.Branches.DeleteBranch(c.projectID, name, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	return nil
}

func (c *gitLabClient) ChecksFor(ctx context.Context, sha string) ([]Check, error) {
	pipelines, _, err := c.gl.Pipelines.ListProjectPipelines(
		c.projectID,
		&gitlab.ListProjectPipelinesOptions{SHA: gitlab.Ptr(sha)},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("listing pipelines for %s: %w", sha, err)
	}
	if len(pipelines) == 0 {
		return nil, nil
	}

	// The newest pipeline for the SHA is authoritative; earlier ones are
	// superseded reruns.
	jobs, _, err := c.gl.Jobs.ListPipelineJobs(
		c.projectID,
		pipelines[0].ID,
		&gitlab.ListJobsOptions{},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs for pipeline %d: %w", pipelines[0].ID, err)
	}

	out := make([]Check, 0, len(jobs))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		out = append(out, Check{ID: int(job.ID), Name: job.Name, Status: mapJobStatus(job.Status)})
	}
	return out, nil
}

func mapJobStatus(status string) CheckStatus {
	switch status {
	case "success", "skipped":
		return StatusPassed
	case "failed", "canceled":
		return StatusFailed
	default:
		return StatusRunning
	}
}

func (c *gitLabClient) CheckLog(ctx context.Context, check Check) (string, error) {
	trace, _, err := c.gl.Jobs.GetTraceFile(c.projectID, int64(check.ID), gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetching log for job %d: %w", check.ID, err)
	}

	raw, err := io.ReadAll(trace)
	if err != nil {
		return "", fmt.Errorf("reading log for job %d: %w", check.ID, err)
	}
	return string(raw), nil
}

func (c *gitLabClient) LatestMainCoverage(ctx context.Context) (string, error) {
	start := time.Now()

	pipelines, _, err := c.gl.Pipelines.ListProjectPipelines(
		c.projectID,
		&gitlab.ListProjectPipelinesOptions{
			Ref:    gitlab.Ptr(c.defaultBranch),
			Status: gitlab.Ptr(gitlab.Success),
		},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("listing %s pipelines: %w", c.defaultBranch, err)
	}
	if len(pipelines) == 0 {
		return "", nil
	}

	jobs, _, err := c.gl.Jobs.ListPipelineJobs(
		c.projectID,
		pipelines[0].ID,
		&gitlab.ListJobsOptions{},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("listing jobs for pipeline %d: %w", pipelines[0].ID, err)
	}

	for _, job := range jobs {
		if job == nil {
			continue
		}
		log, err := c.CheckLog(ctx, Check{ID: int(job.ID), Name: job.Name})
		if err != nil {
			slog.WarnContext(ctx, "coverage log fetch failed", "job", job.Name, "error", err)
			continue
		}
		if table := ExtractCoverage(log); table != "" {
			slog.DebugContext(ctx, "coverage extracted",
				"job", job.Name,
				"duration_ms", time.Since(start).Milliseconds())
			return table, nil
		}
	}
	return "", nil
}
