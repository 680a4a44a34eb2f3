// Package compaction keeps the supervisor thread within the model's context
// window. It runs a hybrid strategy: bulky tool outputs outside the preserved
// tail are pruned first, and when that is not enough the old prefix of the
// thread is summarized by a small model and collapsed in place.
//
// Token counts are estimates. The chars/4 heuristic overcounts slightly for
// English prose, which errs on the side of compacting early rather than
// overflowing the window.
package compaction

import (
	"github.com/youssefsiam38/hivepg/storage"
)

// charsPerToken is the estimation divisor.
const charsPerToken = 4

// messageOverheadTokens accounts for per-message framing the provider adds.
const messageOverheadTokens = 8

// EstimateTokens estimates the token count of one message, including its
// tool call arguments.
func EstimateTokens(msg *storage.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return chars/charsPerToken + messageOverheadTokens
}

// EstimateThreadTokens estimates the total token count of a message slice.
func EstimateThreadTokens(msgs []*storage.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg)
	}
	return total
}
