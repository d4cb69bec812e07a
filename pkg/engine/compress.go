// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
)

// reduceChunkTokens bounds how much history goes into one map step.
const reduceChunkTokens = 6000

const summarySegmentID = "conversation-summary"

// compressHistory keeps the last retention_count messages verbatim and
// map-reduce-summarizes the remainder (together with any existing summary)
// into the single conversation-summary segment.
func (e *Engine) compressHistory(ctx context.Context, sess *state.SessionState) error {
	keep := e.cfg.RetentionCount
	if len(sess.Messages) <= keep {
		return nil
	}
	old := sess.Messages[:len(sess.Messages)-keep]
	recent := sess.Messages[len(sess.Messages)-keep:]

	var parts []string
	if existing := sess.ConversationSummary(); existing != nil {
		parts = append(parts, "Previous summary:\n"+existing.Content)
	}
	parts = append(parts, renderMessages(old))

	summary, err := e.mapReduce(ctx, strings.Join(parts, "\n\n"))
	if err != nil {
		return err
	}

	sess.Messages = append([]state.Message{}, recent...)
	sess.ReplaceSummary(summarySegmentID, summary, e.counter.Count(summary))
	return nil
}

// mapReduce summarizes text in chunks, then reduces multiple chunk
// summaries into one.
func (e *Engine) mapReduce(ctx context.Context, text string) (string, error) {
	chunks := splitByTokens(text, reduceChunkTokens, e.counter.Count)

	var summaries []string
	for _, chunk := range chunks {
		s, err := e.summarize(ctx, chunk)
		if err != nil {
			return "", err
		}
		summaries = append(summaries, s)
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	return e.summarize(ctx, strings.Join(summaries, "\n\n"))
}

func (e *Engine) summarize(ctx context.Context, text string) (string, error) {
	resp, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Summarize the following conversation history for an autonomous coding agent. Preserve decisions, open hypotheses, test outcomes, file paths and unresolved errors. Be dense and factual."},
		{Role: "user", Content: text},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call failed: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("summarization returned empty content")
	}
	return resp.Content, nil
}

func renderMessages(messages []state.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.ToolName != "" {
			fmt.Fprintf(&sb, "[%s:%s] %s\n", m.Role, m.ToolName, m.Content)
		} else {
			fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
		}
	}
	return sb.String()
}

// splitByTokens breaks text on line boundaries into chunks under the token
// limit. A single oversized line becomes its own chunk.
func splitByTokens(text string, limit int, count func(string) int) []string {
	lines := strings.Split(text, "\n")
	var chunks []string
	var current strings.Builder
	currentTokens := 0
	for _, line := range lines {
		lineTokens := count(line)
		if currentTokens > 0 && currentTokens+lineTokens > limit {
			chunks = append(chunks, current.String())
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(line)
		current.WriteByte('\n')
		currentTokens += lineTokens
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}
