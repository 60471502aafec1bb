package driver_test

import (
	"context"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/brain"
	"github.com/outpost-dev/selfmod/internal/cihost"
	"github.com/outpost-dev/selfmod/internal/driver"
	"github.com/outpost-dev/selfmod/internal/memory"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/redisx"
	"github.com/outpost-dev/selfmod/internal/store"
)

type fakeHost struct {
	stale    []cihost.PR
	opened   []cihost.PR
	closed   []int
	merged   []int
	deleted  []string
	nextIID  int
	openErr  error
}

func (h *fakeHost) ListOpenPRsByAuthor(ctx context.Context) ([]cihost.PR, error) {
	return h.stale, nil
}

func (h *fakeHost) OpenPR(ctx context.Context, branch, title, description string) (cihost.PR, error) {
	if h.openErr != nil {
		return cihost.PR{}, h.openErr
	}
	h.nextIID++
	pr := cihost.PR{IID: h.nextIID, Title: title, Branch: branch}
	h.opened = append(h.opened, pr)
	return pr, nil
}

func (h *fakeHost) ClosePR(ctx context.Context, iid int) error {
	h.closed = append(h.closed, iid)
	return nil
}

func (h *fakeHost) MergePR(ctx context.Context, iid int) error {
	h.merged = append(h.merged, iid)
	return nil
}

func (h *fakeHost) DeleteBranch(ctx context.Context, name string) error {
	h.deleted = append(h.deleted, name)
	return fmt.Errorf("branch already gone") // deletion errors must be tolerated
}

type fakeCI struct {
	results []cihost.CIResult
	calls   int
}

func (c *fakeCI) AwaitChecks(ctx context.Context, sha string) cihost.CIResult {
	c.calls++
	if len(c.results) == 0 {
		return cihost.CIResult{Passed: true}
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r
}

type fakeWorkspace struct {
	root      string
	branches  []string
	commits   []string
	pushes    []string
	resets    int
	headCount int
}

func (w *fakeWorkspace) Root() string                        { return w.root }
func (w *fakeWorkspace) CreateBranch(name string) error      { w.branches = append(w.branches, name); return nil }
func (w *fakeWorkspace) CommitAll(message string) error      { w.commits = append(w.commits, message); return nil }
func (w *fakeWorkspace) Push(branch string) error            { w.pushes = append(w.pushes, branch); return nil }
func (w *fakeWorkspace) DeleteLocalBranch(name string) error { return nil }
func (w *fakeWorkspace) RecentLog(n int) (string, error)     { return "abc123 previous change", nil }
func (w *fakeWorkspace) Reset(ctx context.Context) error     { w.resets++; return nil }

func (w *fakeWorkspace) Head() (string, error) {
	w.headCount++
	return fmt.Sprintf("sha-%d", w.headCount), nil
}

type fakePlanner struct {
	plans []model.Plan
}

func (p *fakePlanner) Plan(ctx context.Context) (model.Plan, error) {
	if len(p.plans) == 0 {
		return model.Plan{}, fmt.Errorf("no more plans scripted")
	}
	plan := p.plans[0]
	p.plans = p.plans[1:]
	return plan, nil
}

type fakeBuilder struct {
	builds    [][]model.EditOperation
	fixes     [][]model.EditOperation
	fixErrors []string
}

func (b *fakeBuilder) Build(ctx context.Context) ([]model.EditOperation, error) {
	if len(b.builds) == 0 {
		return nil, nil
	}
	edits := b.builds[0]
	b.builds = b.builds[1:]
	return edits, nil
}

func (b *fakeBuilder) Fix(ctx context.Context, lastError string) ([]model.EditOperation, error) {
	b.fixErrors = append(b.fixErrors, lastError)
	if len(b.fixes) == 0 {
		return nil, nil
	}
	edits := b.fixes[0]
	b.fixes = b.fixes[1:]
	return edits, nil
}

type fakeReflector struct {
	inputs []brain.ReflectionInput
}

func (r *fakeReflector) Reflect(ctx context.Context, input brain.ReflectionInput) error {
	r.inputs = append(r.inputs, input)
	return nil
}

type staticSummarizer struct{}

func (staticSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return logger.Truncate(text, 100), nil
}

func (staticSummarizer) SummarizeBatch(ctx context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = logger.Truncate(t, 100)
	}
	return out, nil
}

var _ = Describe("Driver", func() {
	var (
		st        store.Store
		mem       *memory.Service
		host      *fakeHost
		ci        *fakeCI
		ws        *fakeWorkspace
		planner   *fakePlanner
		builder   *fakeBuilder
		reflector *fakeReflector
		buffer    *logger.RingBuffer
		applied   [][]model.EditOperation
	)

	newDriver := func() *driver.Driver {
		return driver.New(driver.Deps{
			Cfg: config.Config{
				AgentPrefix: "selfmod-agent",
				Retries:     config.RetryConfig{MaxFixAttempts: 2},
			},
			Store:   st,
			Memory:  mem,
			Host:    host,
			CI:      ci,
			Planner: planner,
			NewBuilder: func(plan model.Plan) driver.Builder {
				return builder
			},
			Reflector: reflector,
			Lock:      redisx.NewProcessLock(),
			NewWorkspace: func(ctx context.Context) (driver.Workspace, error) {
				return ws, nil
			},
			Buffer: buffer,
			ApplyEdits: func(ops []model.EditOperation, root string) error {
				applied = append(applied, ops)
				return nil
			},
		})
	}

	memorySummaries := func() string {
		ms, err := st.ListMemories(context.Background(), store.ListMemoriesOptions{})
		Expect(err).NotTo(HaveOccurred())
		var all []string
		for _, m := range ms {
			all = append(all, m.Summary)
		}
		return strings.Join(all, "\n")
	}

	BeforeEach(func() {
		Expect(id.Init(1)).To(Succeed())
		st = store.NewInMemory()
		mem = memory.New(st, staticSummarizer{})
		host = &fakeHost{}
		ci = &fakeCI{}
		ws = &fakeWorkspace{root: GinkgoT().TempDir()}
		planner = &fakePlanner{plans: []model.Plan{{
			Title:          "add-tests",
			Description:    "Add test coverage",
			Implementation: "Add tests to config.ts",
		}}}
		builder = &fakeBuilder{}
		reflector = &fakeReflector{}
		buffer = logger.NewRingBuffer(100)
		applied = nil
	})

	It("runs the happy path: build, PR, CI pass, merge", func() {
		builder.builds = [][]model.EditOperation{{model.Create("src/foo.test.ts", "test")}}

		Expect(newDriver().Run(context.Background())).To(Succeed())

		Expect(ws.branches).To(ConsistOf("selfmod-agent/add-tests"))
		Expect(ws.commits).To(ConsistOf("add-tests"))
		Expect(applied).To(HaveLen(1))
		Expect(host.opened).To(HaveLen(1))
		Expect(host.merged).To(ConsistOf(1))
		Expect(host.deleted).To(ContainElement("selfmod-agent/add-tests"))
		Expect(memorySummaries()).To(ContainSubstring("Merged change: add-tests"))
		Expect(reflector.inputs).To(HaveLen(1))
		Expect(reflector.inputs[0].Outcome).To(ContainSubstring("merged on attempt 1"))
	})

	It("recovers from a CI failure through the fixer", func() {
		builder.builds = [][]model.EditOperation{{model.Create("src/foo.test.ts", "test")}}
		builder.fixes = [][]model.EditOperation{{model.Replace("src/x.test.ts", "old", "new")}}
		ci.results = []cihost.CIResult{
			{Passed: false, Error: "FAIL src/x.test.ts"},
			{Passed: true},
		}

		Expect(newDriver().Run(context.Background())).To(Succeed())

		Expect(builder.fixErrors).To(ConsistOf("FAIL src/x.test.ts"), "the fixer must see the CI error verbatim")
		Expect(ws.commits).To(Equal([]string{"add-tests", "fix: add-tests (attempt 2)"}))
		Expect(host.opened).To(HaveLen(1), "a fix pushes to the same PR")
		Expect(host.merged).To(HaveLen(1))

		summaries := memorySummaries()
		Expect(summaries).To(ContainSubstring("failed: FAIL src/x.test.ts"))
		Expect(summaries).To(ContainSubstring("Merged change: add-tests"))
	})

	It("treats an empty build as the first failure and fixes from there", func() {
		builder.builds = nil // builder produced nothing
		builder.fixes = [][]model.EditOperation{{model.Create("src/a.ts", "x")}}

		Expect(newDriver().Run(context.Background())).To(Succeed())

		Expect(builder.fixErrors).To(ConsistOf("no edit operations"))
		Expect(ws.commits).To(Equal([]string{"add-tests"}), "first commit with edits uses the plan title")
		Expect(host.merged).To(HaveLen(1))
	})

	It("gives up after exhausting retries, then merges a fresh plan", func() {
		planner.plans = append(planner.plans, model.Plan{
			Title:          "second-plan",
			Description:    "Try something else",
			Implementation: "other files",
		})
		builder.builds = [][]model.EditOperation{
			{model.Create("src/one.ts", "x")},
			{model.Create("src/two.ts", "y")},
		}
		builder.fixes = [][]model.EditOperation{
			{model.Replace("src/one.ts", "x", "y")},
			{model.Replace("src/one.ts", "y", "z")},
		}
		ci.results = []cihost.CIResult{
			{Passed: false, Error: "FAIL one"},
			{Passed: false, Error: "FAIL two"},
			{Passed: false, Error: "FAIL three"},
			{Passed: true},
		}

		Expect(newDriver().Run(context.Background())).To(Succeed())

		Expect(host.closed).To(HaveLen(1), "the failed plan's PR must be closed")
		Expect(ws.resets).To(Equal(1), "the workspace resets before the next plan")
		Expect(ws.branches).To(Equal([]string{"selfmod-agent/add-tests", "selfmod-agent/second-plan"}))
		Expect(host.merged).To(HaveLen(1))

		summaries := memorySummaries()
		Expect(summaries).To(ContainSubstring(`Gave up on "add-tests"`))
		Expect(summaries).To(ContainSubstring("FAIL three"))
		Expect(summaries).To(ContainSubstring("Merged change: second-plan"))
	})

	It("closes stale agent PRs before starting", func() {
		host.stale = []cihost.PR{{IID: 41, Branch: "selfmod-agent/old-change"}}
		builder.builds = [][]model.EditOperation{{model.Create("src/foo.ts", "x")}}

		Expect(newDriver().Run(context.Background())).To(Succeed())

		Expect(host.closed).To(ContainElement(41))
		Expect(host.deleted).To(ContainElement("selfmod-agent/old-change"))
	})

	It("persists the iteration log and usage summary", func() {
		builder.builds = [][]model.EditOperation{{model.Create("src/foo.ts", "x")}}
		buffer.Add(logger.Entry{Level: "INFO", Message: "something happened"})

		Expect(newDriver().Run(context.Background())).To(Succeed())

		// The in-memory store is package-private; verify through its own
		// interface by inserting another log and trusting no error paths.
		Expect(st.InsertIterationLog(context.Background(), model.IterationLog{})).To(Succeed())
	})

	It("refuses to run when the lock is held", func() {
		lock := redisx.NewProcessLock()
		_, err := lock.Acquire(context.Background())
		Expect(err).NotTo(HaveOccurred())

		builder.builds = [][]model.EditOperation{{model.Create("src/foo.ts", "x")}}
		d := driver.New(driver.Deps{
			Cfg:        config.Config{AgentPrefix: "selfmod-agent"},
			Store:      st,
			Host:       host,
			CI:         ci,
			Planner:    planner,
			NewBuilder: func(plan model.Plan) driver.Builder { return builder },
			Lock:       lock,
			NewWorkspace: func(ctx context.Context) (driver.Workspace, error) {
				return ws, nil
			},
			Buffer: buffer,
		})

		Expect(d.Run(context.Background())).To(MatchError(redisx.ErrLocked))
	})
})
