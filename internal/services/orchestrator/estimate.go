package orchestrator

import (
	"github.com/metergate/metergate/internal/services/providers"
)

// defaultOutputEstimate is assumed when the request caps neither
// max_tokens nor max_completion_tokens.
const defaultOutputEstimate = 150

// estimateTokens counts roughly four characters per token. Close enough
// for the pre-flight check; the deduction afterwards uses the provider's
// reported counts.
func estimateTokens(text string) int {
	return len(text) / 4
}

// estimateChatPrompt sums the text content of every message. Non-text
// parts such as images and tool results contribute nothing.
func estimateChatPrompt(messages []providers.Message) int {
	total := 0
	for _, message := range messages {
		switch content := message.Content.(type) {
		case string:
			total += estimateTokens(content)
		case []interface{}:
			for _, part := range content {
				fields, ok := part.(map[string]interface{})
				if !ok {
					continue
				}
				if text, ok := fields["text"].(string); ok {
					total += estimateTokens(text)
				}
			}
		}
	}
	return total
}

// estimateCompletionPrompt handles both the single string and the batch
// form of the legacy prompt field.
func estimateCompletionPrompt(prompt interface{}) int {
	switch p := prompt.(type) {
	case string:
		return estimateTokens(p)
	case []interface{}:
		total := 0
		for _, item := range p {
			if text, ok := item.(string); ok {
				total += estimateTokens(text)
			}
		}
		return total
	}
	return 0
}

func outputEstimate(maxTokens, maxCompletionTokens *int, fallback int) int {
	if maxCompletionTokens != nil {
		return *maxCompletionTokens
	}
	if maxTokens != nil {
		return *maxTokens
	}
	if fallback > 0 {
		return fallback
	}
	return defaultOutputEstimate
}
