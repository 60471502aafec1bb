package cihost

import (
	"strings"
	"testing"
)

const jestFailureLog = `##[group]Install dependencies
added 512 packages in 4s
##[endgroup]
##[group]Run tests
PASS src/config.test.ts
FAIL src/x.test.ts
  ● retries › gives up after max attempts

    expect(received).toBe(expected)

    Expected: 3
    Received: 2

Test Suites: 1 failed, 1 passed, 2 total
Tests:       1 failed, 7 passed, 8 total
Snapshots:   0 total
Time:        3.214 s
##[error]Process completed with exit code 1.
##[endgroup]`

func TestExtractFailure_FailedStepWins(t *testing.T) {
	got := ExtractFailure(jestFailureLog, []string{"Run tests"}, 8000)

	if !strings.Contains(got, "FAIL src/x.test.ts") {
		t.Errorf("missing FAIL line: %q", got)
	}
	if !strings.Contains(got, "Tests:       1 failed, 7 passed, 8 total") {
		t.Errorf("missing summary line: %q", got)
	}
	if strings.Contains(got, "added 512 packages") {
		t.Errorf("install section leaked into extraction: %q", got)
	}
}

func TestExtractFailure_ErrorLinesWhenNoFailedSteps(t *testing.T) {
	got := ExtractFailure(jestFailureLog, nil, 8000)

	if !strings.Contains(got, "FAIL src/x.test.ts") {
		t.Errorf("##[error] section not selected: %q", got)
	}
	if strings.Contains(got, "added 512 packages") {
		t.Errorf("clean section leaked into extraction: %q", got)
	}
}

func TestExtractFailure_TestBlockStopsAfterSummary(t *testing.T) {
	got := ExtractFailure(jestFailureLog, []string{"Run tests"}, 8000)
	if strings.Contains(got, "Process completed") {
		t.Errorf("content after summary lines should be dropped: %q", got)
	}
}

func TestExtractFailure_CompileErrorsWhenNoTestBlock(t *testing.T) {
	log := `##[group]Build
src/index.ts(12,5): error TS2322: Type 'string' is not assignable to type 'number'.
    const port: number = "8080"
##[error]Process completed with exit code 2.
##[endgroup]`

	got := ExtractFailure(log, nil, 8000)
	if !strings.Contains(got, "error TS2322") {
		t.Errorf("compile error line missing: %q", got)
	}
	if !strings.Contains(got, `const port: number = "8080"`) {
		t.Errorf("context line after the error missing: %q", got)
	}
}

func TestExtractFailure_CapsAtTail(t *testing.T) {
	long := "##[group]Run tests\n" + strings.Repeat("noise line\n", 2000) +
		"##[error]the real verdict is at the end\n##[endgroup]"

	got := ExtractFailure(long, nil, 200)
	if len(got) > 200 {
		t.Errorf("extraction length = %d, want <= 200", len(got))
	}
	if !strings.Contains(got, "the real verdict is at the end") {
		t.Errorf("tail was not kept: %q", got)
	}
}

func TestExtractFailure_NoSectionsUsesWholeLog(t *testing.T) {
	got := ExtractFailure("plain failure output\nexit status 1", nil, 8000)
	if !strings.Contains(got, "plain failure output") {
		t.Errorf("section-less log should pass through: %q", got)
	}
}

func TestExtractCoverage_BoundedBySeparators(t *testing.T) {
	log := `##[group]coverage
> jest --coverage
----------|---------|----------|---------|---------|
File      | % Stmts | % Branch | % Funcs | % Lines |
----------|---------|----------|---------|---------|
All files |   82.35 |       75 |      80 |   82.35 |
 config.ts|     100 |      100 |     100 |     100 |
----------|---------|----------|---------|---------|
Done in 3.2s
##[endgroup]`

	got := ExtractCoverage(log)
	if !strings.Contains(got, "All files") {
		t.Errorf("coverage rows missing: %q", got)
	}
	if strings.Contains(got, "jest --coverage") || strings.Contains(got, "Done in") {
		t.Errorf("content outside separators leaked: %q", got)
	}
	if !strings.HasPrefix(got, "----------|") || !strings.HasSuffix(got, "----------|---------|----------|---------|---------|") {
		t.Errorf("table should be bounded by separator lines: %q", got)
	}
}

func TestExtractCoverage_NoTable(t *testing.T) {
	if got := ExtractCoverage("##[group]coverage\nno table here\n##[endgroup]"); got != "" {
		t.Errorf("logs without a table should yield empty coverage, got %q", got)
	}
}
