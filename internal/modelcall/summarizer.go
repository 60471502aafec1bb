package modelcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/core/config"
)

// SummarizerPrompt is the system prompt for memory summarization.
const SummarizerPrompt = "Write a single concise sentence summarizing the following. Be specific — include names, numbers, outcomes. No preamble."

// Summarizer adapts the Caller to the memory package's narrow summarizer
// capability, keeping Memory decoupled from the full model client.
type Summarizer struct {
	caller *Caller
}

func NewSummarizer(caller *Caller) *Summarizer {
	return &Summarizer{caller: caller}
}

func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := s.caller.Call(ctx, config.PhaseSummarizer, []llm.Message{
		llm.NewUserMessage(llm.NewTextBlock(text)),
	}, nil)
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		return "", fmt.Errorf("summarizer returned no text")
	}
	return summary, nil
}

func (s *Summarizer) SummarizeBatch(ctx context.Context, texts []string) ([]string, error) {
	lists := make([][]llm.Message, len(texts))
	for i, text := range texts {
		lists[i] = []llm.Message{llm.NewUserMessage(llm.NewTextBlock(text))}
	}

	resps, err := s.caller.CallBatch(ctx, config.PhaseSummarizer, lists)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(resps))
	for i, resp := range resps {
		summary := strings.TrimSpace(resp.Message.Text())
		if summary == "" {
			return nil, fmt.Errorf("summarizer returned no text for entry %d", i)
		}
		out[i] = summary
	}
	return out, nil
}
