// Package core defines the core business logic and interfaces for the kokoro-worker.
package core

import "context"

// JobHandler processes one serverless job input and returns the result envelope.
//
// The returned mapping always carries a "success" boolean; failures additionally
// carry an "error" string. Implementations must not panic across this boundary:
// every failure is converted into the envelope.
type JobHandler interface {
	Handle(ctx context.Context, input map[string]any) map[string]any
}

// SpeechPipeline synthesizes speech for the given text, voice and speed.
//
// The pipeline returns the produced audio segments in generation order. Each
// segment holds mono float32 samples in the range [-1, 1].
type SpeechPipeline interface {
	Synthesize(ctx context.Context, text, voice string, speed float64) ([][]float32, error)
}

// AudioArchive defines the interface for persisting generated audio blobs.
type AudioArchive interface {
	Upload(ctx context.Context, key string, data []byte) error
}
