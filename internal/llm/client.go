// Package llm abstracts the language-model backend used as the intent
// classification fallback.
package llm

import "context"

// Message is one chat turn sent to the model backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the language-model boundary. Implementations must honor the
// context deadline; callers treat any error as a normal collaborator
// failure and never retry here.
type Client interface {
	Complete(ctx context.Context, system string, msgs []Message) (string, error)
}
