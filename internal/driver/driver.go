// Package driver is the top-level state machine for one invocation of the
// agent: plan -> build -> commit -> await CI -> fix-or-merge, looping over
// plans until one change merges. Everything underneath is reached through
// narrow interfaces so the machine can be exercised without a model, a git
// remote, or a code host.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/brain"
	"github.com/outpost-dev/selfmod/internal/cihost"
	"github.com/outpost-dev/selfmod/internal/editapply"
	"github.com/outpost-dev/selfmod/internal/gitx"
	"github.com/outpost-dev/selfmod/internal/memory"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/redisx"
	"github.com/outpost-dev/selfmod/internal/store"
)

// maxMemoryErrorLen bounds how much of an error message goes into a memory.
const maxMemoryErrorLen = 500

// Workspace is the slice of the git adapter the driver drives.
type Workspace interface {
	Root() string
	Head() (string, error)
	CreateBranch(name string) error
	CommitAll(message string) error
	Push(branch string) error
	DeleteLocalBranch(name string) error
	RecentLog(n int) (string, error)
	Reset(ctx context.Context) error
}

// Host is the code-host surface the driver needs.
type Host interface {
	ListOpenPRsByAuthor(ctx context.Context) ([]cihost.PR, error)
	OpenPR(ctx context.Context, branch, title, description string) (cihost.PR, error)
	ClosePR(ctx context.Context, iid int) error
	MergePR(ctx context.Context, iid int) error
	DeleteBranch(ctx context.Context, name string) error
}

// CIWaiter blocks until a commit's checks settle.
type CIWaiter interface {
	AwaitChecks(ctx context.Context, sha string) cihost.CIResult
}

// Planner produces the next plan.
type Planner interface {
	Plan(ctx context.Context) (model.Plan, error)
}

// Builder realizes one plan as edits and fixes it after CI failures.
type Builder interface {
	Build(ctx context.Context) ([]model.EditOperation, error)
	Fix(ctx context.Context, lastError string) ([]model.EditOperation, error)
}

// Reflector distills iteration lessons; failures are ignored.
type Reflector interface {
	Reflect(ctx context.Context, input brain.ReflectionInput) error
}

// Deps wires the driver. NewBuilder returns a fresh Builder per plan so
// session state never leaks between plans; NewWorkspace performs the fresh
// clone once the stale-PR cleanup has run.
type Deps struct {
	Cfg          config.Config
	Store        store.Store
	Memory       *memory.Service
	Host         Host
	CI           CIWaiter
	Planner      Planner
	NewBuilder   func(plan model.Plan) Builder
	Reflector    Reflector
	Lock         redisx.Lock
	NewWorkspace func(ctx context.Context) (Workspace, error)
	Buffer       *logger.RingBuffer

	// RefreshIndex rebuilds the codebase index baseline at the start of
	// each iteration; nil disables indexing.
	RefreshIndex func(ctx context.Context) error

	// ApplyEdits defaults to editapply.ApplyEdits.
	ApplyEdits func(ops []model.EditOperation, root string) error
}

type Driver struct {
	deps   Deps
	runDir string
}

func New(deps Deps) *Driver {
	if deps.ApplyEdits == nil {
		deps.ApplyEdits = editapply.ApplyEdits
	}
	return &Driver{deps: deps, runDir: SetupDebugRunDir(deps.Cfg.DebugDir)}
}

// Run executes the invocation: acquire the run lock, clean up stale PRs,
// then loop plan by plan until one change merges. The guaranteed-release
// section flushes the log buffer, releases the lock, and disconnects the
// store no matter how the run ends; a crash stores a best-effort memory.
func (d *Driver) Run(ctx context.Context) (err error) {
	release, err := d.deps.Lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("run lock: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "selfmod.driver"})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
		if err != nil {
			d.storeMemory(ctx, "Crashed: "+logger.Truncate(err.Error(), maxMemoryErrorLen))
		}
		d.flushLog(ctx, 0)
		if derr := d.deps.Store.Disconnect(ctx); derr != nil {
			slog.WarnContext(ctx, "store disconnect failed", "error", derr)
		}
		release()
	}()

	d.closeStalePRs(ctx)

	ws, err := d.deps.NewWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("clone workspace: %w", err)
	}

	for {
		iterationID := id.New()
		sc := logger.StartSpan(ctx, "driver.iteration")
		ictx := logger.WithLogFields(sc.Context(), logger.LogFields{IterationID: logger.Ptr(iterationID)})
		slog.InfoContext(ictx, "iteration starting")

		merged, iterErr := d.runIteration(ictx, ws)
		d.persistArtifacts(ictx, iterationID)
		sc.RecordError(iterErr)
		sc.End()
		if iterErr != nil {
			return iterErr
		}
		if merged {
			slog.InfoContext(ictx, "iteration merged a change, exiting")
			return nil
		}
		// Nothing merged; loop into a fresh plan on a clean workspace.
	}
}

// closeStalePRs closes every open PR the agent authored previously and
// deletes their branches, ignoring deletion errors.
func (d *Driver) closeStalePRs(ctx context.Context) {
	prs, err := d.deps.Host.ListOpenPRsByAuthor(ctx)
	if err != nil {
		slog.WarnContext(ctx, "listing stale PRs failed", "error", err)
		return
	}
	for _, pr := range prs {
		if err := d.deps.Host.ClosePR(ctx, pr.IID); err != nil {
			slog.WarnContext(ctx, "closing stale PR failed", "iid", pr.IID, "error", err)
			continue
		}
		if err := d.deps.Host.DeleteBranch(ctx, pr.Branch); err != nil {
			slog.DebugContext(ctx, "deleting stale branch failed", "branch", pr.Branch, "error", err)
		}
		slog.InfoContext(ctx, "stale PR closed", "iid", pr.IID, "branch", pr.Branch)
	}
}

// runIteration runs one plan through build, CI, and the fix loop. Returns
// whether a change merged; an error return is fatal for the whole run.
func (d *Driver) runIteration(ctx context.Context, ws Workspace) (bool, error) {
	if d.deps.RefreshIndex != nil {
		if err := d.deps.RefreshIndex(ctx); err != nil {
			slog.WarnContext(ctx, "refreshing codebase index failed", "error", err)
		}
	}

	plan, err := d.deps.Planner.Plan(ctx)
	if err != nil {
		return false, fmt.Errorf("planning: %w", err)
	}
	d.storeMemory(ctx, fmt.Sprintf("Planned change: %s — %s", plan.Title, plan.Description))

	branch, err := gitx.BranchName(d.deps.Cfg.AgentPrefix, plan.Title)
	if err != nil {
		return false, err
	}
	if err := ws.CreateBranch(branch); err != nil {
		return false, fmt.Errorf("create branch %s: %w", branch, err)
	}

	builder := d.deps.NewBuilder(plan)

	var lastError string
	edits, buildErr := builder.Build(ctx)
	if buildErr != nil {
		slog.WarnContext(ctx, "building failed", "error", buildErr)
		lastError = buildErr.Error()
		edits = nil
	}

	prOpened := false
	var pr cihost.PR

	maxRetries := d.deps.Cfg.Retries.MaxFixAttempts
	for attempt := 0; attempt <= maxRetries; attempt++ {
		actx := logger.WithLogFields(ctx, logger.LogFields{Attempt: logger.Ptr(attempt)})

		if attempt == 0 {
			if len(edits) == 0 {
				if lastError == "" {
					lastError = "no edit operations"
				}
				continue
			}
		} else {
			d.storeMemory(actx, fmt.Sprintf("Attempt %d for %q failed: %s",
				attempt, plan.Title, logger.Truncate(lastError, maxMemoryErrorLen)))

			edits, err = builder.Fix(actx, lastError)
			if err != nil {
				slog.WarnContext(actx, "fixing failed", "error", err)
				lastError = err.Error()
				continue
			}
			if len(edits) == 0 {
				lastError = "no edit operations"
				continue
			}
		}

		if err := d.deps.ApplyEdits(edits, ws.Root()); err != nil {
			slog.WarnContext(actx, "applying edits failed", "error", err)
			lastError = err.Error()
			continue
		}

		message := plan.Title
		if prOpened {
			message = fmt.Sprintf("fix: %s (attempt %d)", plan.Title, attempt+1)
		}
		if err := ws.CommitAll(message); err != nil {
			lastError = err.Error()
			continue
		}
		if err := ws.Push(branch); err != nil {
			lastError = err.Error()
			continue
		}

		if !prOpened {
			pr, err = d.deps.Host.OpenPR(actx, branch, plan.Title, plan.Description)
			if err != nil {
				lastError = err.Error()
				continue
			}
			prOpened = true
		}

		sha, err := ws.Head()
		if err != nil {
			lastError = err.Error()
			continue
		}

		result := d.deps.CI.AwaitChecks(actx, sha)
		if result.Passed {
			return true, d.finishMerged(actx, plan, pr, branch, attempt)
		}

		slog.WarnContext(actx, "checks failed", "error", logger.Truncate(result.Error, 200))
		lastError = result.Error
	}

	d.giveUp(ctx, ws, plan, pr, prOpened, branch, lastError)
	return false, nil
}

// finishMerged merges the PR, cleans up, and records the success.
func (d *Driver) finishMerged(ctx context.Context, plan model.Plan, pr cihost.PR, branch string, attempt int) error {
	if err := d.deps.Host.MergePR(ctx, pr.IID); err != nil {
		return fmt.Errorf("merging PR !%d: %w", pr.IID, err)
	}
	if err := d.deps.Host.DeleteBranch(ctx, branch); err != nil {
		slog.DebugContext(ctx, "deleting merged branch failed", "branch", branch, "error", err)
	}

	outcome := fmt.Sprintf("merged on attempt %d", attempt+1)
	d.storeMemory(ctx, fmt.Sprintf("Merged change: %s — %s (%s)", plan.Title, plan.Description, outcome))
	d.reflect(ctx, plan, outcome)
	d.writeIterationArtifact(ctx, plan, outcome, attempt+1)

	slog.InfoContext(ctx, "change merged", "title", plan.Title, "pr", pr.IID)
	return nil
}

// giveUp closes out a plan whose every attempt failed and resets the
// workspace for the next plan.
func (d *Driver) giveUp(ctx context.Context, ws Workspace, plan model.Plan, pr cihost.PR, prOpened bool, branch, lastError string) {
	if prOpened {
		if err := d.deps.Host.ClosePR(ctx, pr.IID); err != nil {
			slog.WarnContext(ctx, "closing PR failed", "iid", pr.IID, "error", err)
		}
		if err := d.deps.Host.DeleteBranch(ctx, branch); err != nil {
			slog.DebugContext(ctx, "deleting branch failed", "branch", branch, "error", err)
		}
	}

	outcome := "gave up: " + logger.Truncate(lastError, maxMemoryErrorLen)
	d.storeMemory(ctx, fmt.Sprintf("Gave up on %q after exhausting retries. Last error: %s",
		plan.Title, logger.Truncate(lastError, maxMemoryErrorLen)))
	d.reflect(ctx, plan, outcome)
	d.writeIterationArtifact(ctx, plan, outcome, d.deps.Cfg.Retries.MaxFixAttempts+1)

	if err := ws.Reset(ctx); err != nil {
		slog.WarnContext(ctx, "workspace reset failed", "error", err)
	}
	if err := ws.DeleteLocalBranch(branch); err != nil {
		slog.DebugContext(ctx, "deleting local branch failed", "branch", branch, "error", err)
	}

	slog.InfoContext(ctx, "gave up on plan", "title", plan.Title)
}

// reflect runs the reflector opportunistically.
func (d *Driver) reflect(ctx context.Context, plan model.Plan, outcome string) {
	if d.deps.Reflector == nil {
		return
	}
	var logLines []string
	for _, e := range d.deps.Buffer.Peek() {
		logLines = append(logLines, fmt.Sprintf("[%s] %s", e.Level, e.Message))
	}
	if err := d.deps.Reflector.Reflect(ctx, brain.ReflectionInput{
		Plan:     plan,
		Outcome:  outcome,
		LogLines: logLines,
	}); err != nil {
		slog.WarnContext(ctx, "reflection failed", "error", err)
	}
}

func (d *Driver) writeIterationArtifact(ctx context.Context, plan model.Plan, outcome string, attempts int) {
	var iterationID int64
	if fields := logger.GetLogFields(ctx); fields.IterationID != nil {
		iterationID = *fields.IterationID
	}
	writeArtifact(d.runDir, iterationArtifact{
		IterationID: iterationID,
		Plan:        plan,
		Outcome:     outcome,
		Attempts:    attempts,
		EndedAt:     time.Now(),
	})
}

// storeMemory writes a memory, logging and swallowing failures: a broken
// store never aborts an iteration.
func (d *Driver) storeMemory(ctx context.Context, content string) {
	if d.deps.Memory == nil {
		return
	}
	if _, err := d.deps.Memory.Store(ctx, content); err != nil {
		slog.WarnContext(ctx, "storing memory failed",
			"content", logger.Truncate(content, 80), "error", err)
	}
}

// persistArtifacts flushes the log buffer into an IterationLog and writes
// the iteration's usage summary, both best-effort.
func (d *Driver) persistArtifacts(ctx context.Context, iterationID int64) {
	d.flushLog(ctx, iterationID)

	recs, err := d.deps.Store.ListGeneratedByIteration(ctx, iterationID)
	if err != nil {
		slog.WarnContext(ctx, "listing call records failed", "error", err)
		return
	}
	summary := model.Summarize(iterationID, recs)
	if err := d.deps.Store.InsertUsage(ctx, summary); err != nil {
		slog.WarnContext(ctx, "persisting usage summary failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "usage persisted",
		"calls", summary.TotalCalls,
		"cost_usd", summary.TotalCostUSD)
}

func (d *Driver) flushLog(ctx context.Context, iterationID int64) {
	entries := d.deps.Buffer.Flush()
	if len(entries) == 0 {
		return
	}

	log := model.IterationLog{
		IterationID: iterationID,
		Entries:     make([]model.LogEntry, len(entries)),
		CreatedAt:   time.Now(),
	}
	for i, e := range entries {
		log.Entries[i] = model.LogEntry{
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Message:   e.Message,
			Context:   e.Context,
		}
	}
	if err := d.deps.Store.InsertIterationLog(ctx, log); err != nil {
		slog.WarnContext(ctx, "persisting iteration log failed", "error", err)
	}
}
