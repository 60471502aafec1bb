package cihost

import (
	"regexp"
	"strings"
)

// Step-section markers in check logs.
const (
	groupStart = "##[group]"
	groupEnd   = "##[endgroup]"
	errorMark  = "##[error]"
)

var (
	testSummaryLine = regexp.MustCompile(`^(Test Suites:|Tests:|Snapshots:|Time:)`)
	compileErrLine  = regexp.MustCompile(`error TS\d+|SyntaxError|TypeError|ReferenceError|RangeError|Cannot find module|ENOENT|EACCES`)
	separatorLine   = regexp.MustCompile(`^[-|\s]*-+\|[-|\s]*$`)
)

// section is one ##[group]...##[endgroup] step slice of a check log.
type section struct {
	name string
	body string
}

func parseSections(log string) []section {
	var out []section
	var cur *section
	var body []string

	flush := func() {
		if cur != nil {
			cur.body = strings.Join(body, "\n")
			out = append(out, *cur)
			cur = nil
			body = nil
		}
	}

	for _, line := range strings.Split(log, "\n") {
		switch {
		case strings.HasPrefix(line, groupStart):
			flush()
			cur = &section{name: strings.TrimSpace(strings.TrimPrefix(line, groupStart))}
		case strings.HasPrefix(line, groupEnd):
			flush()
		default:
			if cur != nil {
				body = append(body, line)
			}
		}
	}
	flush()
	return out
}

// ExtractFailure pulls the relevant slice out of a failing check's log.
//
// Sections whose step name is listed in failedSteps win; otherwise any
// section containing ##[error] lines is taken; a log with no step sections
// at all is used whole. Within the chosen text, test-failure blocks are
// preferred, then compile/type/module errors, then everything. The result is
// capped at maxChars, keeping the tail (the end of a log names the verdict).
func ExtractFailure(log string, failedSteps []string, maxChars int) string {
	sections := parseSections(log)

	var picked []section
	if len(failedSteps) > 0 {
		failed := make(map[string]bool, len(failedSteps))
		for _, name := range failedSteps {
			failed[name] = true
		}
		for _, s := range sections {
			if failed[s.name] {
				picked = append(picked, s)
			}
		}
	}
	if len(picked) == 0 {
		for _, s := range sections {
			if strings.Contains(s.body, errorMark) {
				picked = append(picked, s)
			}
		}
	}

	var text string
	switch {
	case len(picked) > 0:
		parts := make([]string, len(picked))
		for i, s := range picked {
			parts[i] = s.name + "\n" + s.body
		}
		text = strings.Join(parts, "\n\n")
	case len(sections) > 0:
		parts := make([]string, len(sections))
		for i, s := range sections {
			parts[i] = s.name + "\n" + s.body
		}
		text = strings.Join(parts, "\n\n")
	default:
		text = log
	}

	if block := testFailureBlock(text); block != "" {
		text = block
	} else if block := compileErrorBlock(text); block != "" {
		text = block
	}

	return capTail(text, maxChars)
}

// testFailureBlock returns every FAIL block through its trailing summary
// lines (Test Suites:/Tests:/...), or "" when the text has none.
func testFailureBlock(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inBlock := false
	inSummary := false
	sawFail := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(stripErrorMark(line))

		if strings.HasPrefix(trimmed, "FAIL ") {
			inBlock = true
			inSummary = false
			sawFail = true
			out = append(out, line)
			continue
		}
		if !inBlock {
			continue
		}
		if testSummaryLine.MatchString(trimmed) {
			inSummary = true
			out = append(out, line)
			continue
		}
		if inSummary {
			// The summary group has ended; the block is complete.
			inBlock = false
			inSummary = false
			continue
		}
		out = append(out, line)
	}

	if !sawFail {
		return ""
	}
	return strings.Join(out, "\n")
}

// compileErrorBlock returns the lines matching compiler/type/module error
// shapes plus one line of trailing context each, or "" when none match.
func compileErrorBlock(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for i, line := range lines {
		if compileErrLine.MatchString(line) {
			out = append(out, line)
			if i+1 < len(lines) {
				out = append(out, lines[i+1])
			}
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n")
}

func stripErrorMark(line string) string {
	return strings.TrimPrefix(line, errorMark)
}

// capTail bounds text to maxChars, keeping the end.
func capTail(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[len(text)-maxChars:]
}

// ExtractCoverage returns the coverage table from a check log: the slice
// bounded by the ----|... separator lines of the coverage step's output, or
// "" when the log has no such table.
func ExtractCoverage(log string) string {
	text := log
	for _, s := range parseSections(log) {
		if strings.EqualFold(s.name, "coverage") || strings.Contains(strings.ToLower(s.name), "coverage") {
			text = s.body
			break
		}
	}

	lines := strings.Split(text, "\n")
	first, last := -1, -1
	for i, line := range lines {
		if separatorLine.MatchString(strings.TrimSpace(line)) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 || last <= first {
		return ""
	}
	return strings.Join(lines[first:last+1], "\n")
}
