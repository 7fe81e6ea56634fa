package fewshot

import (
	"fmt"
	"sort"

	iface "OwlDetServer/interface"
)

type Detector struct {
	cache *Cache
}

func NewDetector(cache *Cache) *Detector {
	return &Detector{cache: cache}
}

type candidate struct {
	region int
	class  int
	score  float32
}

// Detect scores every region of the image against every class query, keeps
// scores strictly above threshold and runs class-agnostic NMS over the pool.
// The result is ordered by descending confidence.
func (d *Detector) Detect(key string, queries map[string]iface.Embedding, threshold float32) ([]iface.Detection, error) {
	p, err := d.cache.Proposals(key)
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return []iface.Detection{}, nil
	}

	classes := make([]string, 0, len(queries))
	for name := range queries {
		classes = append(classes, name)
	}
	sort.Strings(classes)

	dim := p.Dim()
	var pool []candidate
	for ci, name := range classes {
		query := queries[name]
		if p.Len() > 0 && len(query) != dim {
			return nil, fmt.Errorf("%w: class %q has %d, image regions have %d", iface.ErrDimensionMismatch, name, len(query), dim)
		}
		for r := range p.Len() {
			logit := (dot(p.Embeddings[r], query) + p.LogitShift[r]) * p.LogitScale[r]
			if score := sigmoid(logit); score > threshold {
				pool = append(pool, candidate{region: r, class: ci, score: score})
			}
		}
	}

	boxes := make([]iface.Corners, len(pool))
	scores := make([]float32, len(pool))
	for i, c := range pool {
		boxes[i] = p.Boxes[c.region].Corners()
		scores[i] = c.score
	}
	keep := NonMaxSuppression(boxes, scores, NMSIoUThreshold)

	detections := make([]iface.Detection, 0, len(keep))
	for _, i := range keep {
		c := pool[i]
		detections = append(detections, iface.Detection{
			Class:      classes[c.class],
			Box:        p.Boxes[c.region],
			Confidence: c.score,
		})
	}
	return detections, nil
}
