package model

import "time"

// LogEntry mirrors one flushed record from the logger's ring buffer.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// IterationLog is the logger buffer flushed once at the end of one
// iteration, kept alongside that iteration's other durable records.
type IterationLog struct {
	IterationID int64      `json:"iterationId"`
	Entries     []LogEntry `json:"entries"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// CallerTotal is one caller's (phase's) share of an iteration's usage.
type CallerTotal struct {
	Phase        string  `json:"phase"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// UsageSummary is the per-iteration aggregate of every GeneratedCallRecord
// produced during that iteration, broken down by caller (phase) and totaled.
type UsageSummary struct {
	IterationID  int64         `json:"iterationId"`
	ByCaller     []CallerTotal `json:"byCaller"`
	TotalCalls   int           `json:"totalCalls"`
	TotalInput   int64         `json:"totalInput"`
	TotalOutput  int64         `json:"totalOutput"`
	TotalCostUSD float64       `json:"totalCostUsd"`
}

// Summarize aggregates a set of call records into a UsageSummary.
func Summarize(iterationID int64, records []GeneratedCallRecord) UsageSummary {
	byPhase := make(map[string]*CallerTotal)
	var order []string
	summary := UsageSummary{IterationID: iterationID}

	for _, r := range records {
		phase := string(r.Phase)
		ct, ok := byPhase[phase]
		if !ok {
			ct = &CallerTotal{Phase: phase}
			byPhase[phase] = ct
			order = append(order, phase)
		}
		ct.Calls++
		ct.InputTokens += r.Usage.InputTokens
		ct.OutputTokens += r.Usage.OutputTokens
		ct.CostUSD += r.CostUSD

		summary.TotalCalls++
		summary.TotalInput += r.Usage.InputTokens
		summary.TotalOutput += r.Usage.OutputTokens
		summary.TotalCostUSD += r.CostUSD
	}

	for _, phase := range order {
		summary.ByCaller = append(summary.ByCaller, *byPhase[phase])
	}
	return summary
}
