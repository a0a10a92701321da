// Package ai is the single seam to the external generation provider.
//
// The adapter never returns an error to callers: every failure mode is
// decoded at this boundary into a human-readable fallback string, and the
// underlying cause is logged. Swapping the provider means swapping the
// Generator implementation, nothing else.
package ai

import "context"

// Turn is one role-tagged utterance in a conversation context. Role is
// "user" or "model".
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type Generator interface {
	// Generate produces a reply for content given the prior turns. Structured
	// turns take precedence over plain content; plain content is the fallback
	// input mode. Never returns an error.
	Generate(ctx context.Context, content string, turns []Turn) string
}

// Fallback strings returned by the adapter. These are user-visible replies,
// not error codes.
const (
	FallbackUnconfigured = "Gemini API is not configured. Please add your API key to use AI features."
	FallbackNoInput      = "[No input provided to Gemini.]"
	FallbackNoText       = "[No text received from Gemini AI.]"
	FallbackAPIError     = "Sorry, the AI could not process your message due to a technical error. Please try again later."
)
