package iface

import "errors"

var (
	ErrImageNotEmbedded  = errors.New("image not embedded")
	ErrNoMatchingRegion  = errors.New("no region proposal matches the box")
	ErrModelNotFound     = errors.New("model not found")
	ErrModelExists       = errors.New("model already exists")
	ErrExtractionFailure = errors.New("feature extraction failed")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
