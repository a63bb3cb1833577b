// Package images holds the image-generation and object-storage boundaries.
package images

import "context"

// Generator produces raw image bytes for a text prompt. Failures must
// propagate as errors; the executor converts them into typed failures and
// never creates partial state around them.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ObjectStore persists image bytes under a filename and returns a publicly
// addressable URL.
type ObjectStore interface {
	Put(ctx context.Context, filename string, data []byte) (string, error)
}
