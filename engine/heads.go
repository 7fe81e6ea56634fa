package engine

import (
	"fmt"
	"math"

	iface "OwlDetServer/interface"
)

// RawHeads are the detection heads as the network emits them, flattened per image.
// Boxes are sigmoid-activated center-form boxes; the other heads are pre-activation.
type RawHeads struct {
	Objectness  []float32 `json:"objectness"`
	Boxes       []float32 `json:"boxes"`
	ClassEmbeds []float32 `json:"class_embeds"`
	LogitShift  []float32 `json:"logit_shift"`
	LogitScale  []float32 `json:"logit_scale"`
}

// Proposals applies the head activations: sigmoid objectness, unit-length region
// embeddings and elu(scale)+1.
func (h RawHeads) Proposals() (*iface.Proposals, error) {
	n := len(h.Objectness)
	if n == 0 {
		return nil, fmt.Errorf("%w: network produced no regions", iface.ErrExtractionFailure)
	}
	if len(h.Boxes) != 4*n || len(h.LogitShift) != n || len(h.LogitScale) != n {
		return nil, fmt.Errorf("%w: head sizes disagree (objectness=%d boxes=%d shift=%d scale=%d)",
			iface.ErrExtractionFailure, n, len(h.Boxes), len(h.LogitShift), len(h.LogitScale))
	}
	if len(h.ClassEmbeds) == 0 || len(h.ClassEmbeds)%n != 0 {
		return nil, fmt.Errorf("%w: %d embedding values for %d regions", iface.ErrExtractionFailure, len(h.ClassEmbeds), n)
	}
	dim := len(h.ClassEmbeds) / n

	p := &iface.Proposals{
		Boxes:      make([]iface.Box, n),
		Objectness: make([]float32, n),
		Embeddings: make([]iface.Embedding, n),
		LogitShift: make([]float32, n),
		LogitScale: make([]float32, n),
	}
	for i := range n {
		b := h.Boxes[4*i : 4*i+4]
		p.Boxes[i] = iface.Box{CX: b[0], CY: b[1], W: b[2], H: b[3]}
		p.Objectness[i] = sigmoid(h.Objectness[i])
		p.Embeddings[i] = normalize(h.ClassEmbeds[i*dim : (i+1)*dim])
		p.LogitShift[i] = h.LogitShift[i]
		p.LogitScale[i] = elu(h.LogitScale[i]) + 1
	}
	return p, nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func elu(x float32) float32 {
	if x > 0 {
		return x
	}
	return float32(math.Expm1(float64(x)))
}

func normalize(v []float32) iface.Embedding {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(s)) + 1e-6
	out := make(iface.Embedding, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
