package cihost_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/cihost"
)

// fakeSource scripts the sequence of check listings the watcher observes,
// one element per poll; the last element repeats once exhausted.
type fakeSource struct {
	rounds [][]cihost.Check
	logs   map[int]string
	polls  int
}

func (f *fakeSource) ChecksFor(ctx context.Context, sha string) ([]cihost.Check, error) {
	i := f.polls
	f.polls++
	if i >= len(f.rounds) {
		i = len(f.rounds) - 1
	}
	if i < 0 {
		return nil, nil
	}
	return f.rounds[i], nil
}

func (f *fakeSource) CheckLog(ctx context.Context, check cihost.Check) (string, error) {
	return f.logs[check.ID], nil
}

var _ = Describe("Watcher.AwaitChecks", func() {
	var cfg config.CIConfig

	BeforeEach(func() {
		cfg = config.CIConfig{
			PollInterval:      time.Millisecond,
			NoChecksTimeout:   20 * time.Millisecond,
			OverallTimeout:    time.Second,
			LogExtractMaxSize: 8000,
		}
	})

	It("passes once every check succeeds", func() {
		src := &fakeSource{rounds: [][]cihost.Check{
			{{ID: 1, Name: "test", Status: cihost.StatusRunning}},
			{{ID: 1, Name: "test", Status: cihost.StatusPassed}},
		}}

		result := cihost.NewWatcher(src, cfg).AwaitChecks(context.Background(), "abc123")
		Expect(result.Passed).To(BeTrue())
		Expect(src.polls).To(BeNumerically(">=", 2))
	})

	It("fails with extracted output when any check fails", func() {
		src := &fakeSource{
			rounds: [][]cihost.Check{
				{
					{ID: 1, Name: "lint", Status: cihost.StatusPassed},
					{ID: 2, Name: "test", Status: cihost.StatusFailed},
				},
			},
			logs: map[int]string{
				2: "##[group]test\nFAIL src/x.test.ts\nTests:       1 failed, 1 total\n##[error]exit 1\n##[endgroup]",
			},
		}

		result := cihost.NewWatcher(src, cfg).AwaitChecks(context.Background(), "abc123")
		Expect(result.Passed).To(BeFalse())
		Expect(result.Error).To(ContainSubstring("FAIL src/x.test.ts"))
	})

	It("reports no checks started when none ever appear", func() {
		src := &fakeSource{rounds: [][]cihost.Check{nil}}

		result := cihost.NewWatcher(src, cfg).AwaitChecks(context.Background(), "abc123")
		Expect(result.Passed).To(BeFalse())
		Expect(result.Error).To(Equal("no checks started"))
	})

	It("stops applying the no-checks timeout after the first check appears", func() {
		// Checks appear, then vanish from the listing; only the overall
		// timeout may fire after that.
		cfg.OverallTimeout = 50 * time.Millisecond
		src := &fakeSource{rounds: [][]cihost.Check{
			{{ID: 1, Name: "test", Status: cihost.StatusRunning}},
			nil,
		}}

		result := cihost.NewWatcher(src, cfg).AwaitChecks(context.Background(), "abc123")
		Expect(result.Passed).To(BeFalse())
		Expect(result.Error).To(Equal("timed out waiting for checks"))
	})

	It("times out overall while checks stay running", func() {
		cfg.OverallTimeout = 30 * time.Millisecond
		src := &fakeSource{rounds: [][]cihost.Check{
			{{ID: 1, Name: "test", Status: cihost.StatusRunning}},
		}}

		result := cihost.NewWatcher(src, cfg).AwaitChecks(context.Background(), "abc123")
		Expect(result.Passed).To(BeFalse())
		Expect(result.Error).To(Equal("timed out waiting for checks"))
	})
})
