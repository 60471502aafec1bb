package cihost

import (
	"context"
	"log/slog"
	"time"

	"github.com/outpost-dev/selfmod/core/config"
)

// ChecksSource is the slice of Client the watcher polls; split out so the
// wait loop can be exercised without a live code host.
type ChecksSource interface {
	ChecksFor(ctx context.Context, sha string) ([]Check, error)
	CheckLog(ctx context.Context, check Check) (string, error)
}

// CIResult is awaitChecks' verdict for one commit.
type CIResult struct {
	Passed bool
	Error  string
}

// Watcher polls check runs for a commit until they settle or time out.
type Watcher struct {
	source ChecksSource
	cfg    config.CIConfig
}

func NewWatcher(source ChecksSource, cfg config.CIConfig) *Watcher {
	return &Watcher{source: source, cfg: cfg}
}

// AwaitChecks polls the checks for sha until all pass, any fails, no checks
// have appeared within the no-checks timeout, or the overall timeout
// elapses. The no-checks timeout only applies until the first check is
// observed; after that, only the overall timeout can fire, even if every
// check later disappears from the provider's listing.
func (w *Watcher) AwaitChecks(ctx context.Context, sha string) CIResult {
	start := time.Now()
	checkSeen := false

	slog.InfoContext(ctx, "awaiting checks",
		"sha", sha,
		"poll_interval", w.cfg.PollInterval.String())

	for {
		checks, err := w.source.ChecksFor(ctx, sha)
		if err != nil {
			// Transient listing errors are absorbed by the poll loop; the
			// timeouts bound how long a persistent one can stall us.
			slog.WarnContext(ctx, "listing checks failed, will retry", "sha", sha, "error", err)
		}
		if len(checks) > 0 {
			checkSeen = true
		}

		if checkSeen {
			if failed, ok := firstFailed(checks); ok {
				return CIResult{Passed: false, Error: w.failureOutput(ctx, checks, failed)}
			}
			if allPassed(checks) {
				slog.InfoContext(ctx, "all checks passed",
					"sha", sha,
					"checks", len(checks),
					"duration_ms", time.Since(start).Milliseconds())
				return CIResult{Passed: true}
			}
		}

		elapsed := time.Since(start)
		if !checkSeen && elapsed >= w.cfg.NoChecksTimeout {
			return CIResult{Passed: false, Error: "no checks started"}
		}
		if elapsed >= w.cfg.OverallTimeout {
			return CIResult{Passed: false, Error: "timed out waiting for checks"}
		}

		select {
		case <-ctx.Done():
			return CIResult{Passed: false, Error: "timed out waiting for checks"}
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func firstFailed(checks []Check) (Check, bool) {
	for _, c := range checks {
		if c.Status == StatusFailed {
			return c, true
		}
	}
	return Check{}, false
}

func allPassed(checks []Check) bool {
	if len(checks) == 0 {
		return false
	}
	for _, c := range checks {
		if c.Status != StatusPassed {
			return false
		}
	}
	return true
}

// failureOutput fetches the failing check's log and extracts the relevant
// slice; a log fetch failure degrades to the check's name alone.
func (w *Watcher) failureOutput(ctx context.Context, checks []Check, failed Check) string {
	log, err := w.source.CheckLog(ctx, failed)
	if err != nil {
		slog.WarnContext(ctx, "fetching failed check log", "check", failed.Name, "error", err)
		return "check failed: " + failed.Name
	}

	var failedNames []string
	for _, c := range checks {
		if c.Status == StatusFailed {
			failedNames = append(failedNames, c.Name)
		}
	}

	extracted := ExtractFailure(log, failedNames, w.cfg.LogExtractMaxSize)
	if extracted == "" {
		return "check failed: " + failed.Name
	}
	return extracted
}
