// Package chat builds the prompt sent to the responders from a user message
// and the most recent analysis the user ran.
package chat

import (
	"strings"
)

// triggers are the words that make a message about the analyzed image.
var triggers = []string{
	"tooth", "teeth", "wisdom", "xray", "x-ray", "image", "detect", "see", "bad", "pain",
}

// NeedsContext reports whether message mentions the analyzed image.
func NeedsContext(message string) bool {
	lower := strings.ToLower(message)
	for _, w := range triggers {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// WithContext prefixes message with the analysis summary when the message is
// about the image. Without a summary, or for unrelated messages, message is
// returned unchanged.
func WithContext(message, summary string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" || !NeedsContext(message) {
		return message
	}
	return "[Context: " + summary + "] Question: " + message
}
