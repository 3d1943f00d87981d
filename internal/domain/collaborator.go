package domain

import (
	"context"
	"image"
)

// Captioner is the captioning collaborator capability. Failure or timeout
// leaves the record's caption unset and never blocks the pipeline.
type Captioner interface {
	Describe(ctx context.Context, img image.Image) (string, error)
}

// Classifier is the zero-shot classification collaborator capability.
// Labels come from the {photograph, illustration, vector} set.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (string, error)
}
