package fewshot

import (
	"fmt"
	"math"

	iface "OwlDetServer/interface"
)

// Example is one user-drawn box on an already embedded image.
type Example struct {
	ImageKey string
	Box      iface.Box
}

type QueryEmbedder struct {
	cache *Cache
}

func NewQueryEmbedder(cache *Cache) *QueryEmbedder {
	return &QueryEmbedder{cache: cache}
}

// SelectRegion picks, among regions overlapping box by more than MatchIoUThreshold,
// the one with the highest objectness. Ties go to the lowest index.
func SelectRegion(p *iface.Proposals, box iface.Box) (int, error) {
	target := box.Corners()
	best := -1
	bestScore := float32(math.Inf(-1))
	for i, rb := range p.Boxes {
		if IoU(rb.Corners(), target) <= MatchIoUThreshold {
			continue
		}
		if p.Objectness[i] > bestScore {
			best, bestScore = i, p.Objectness[i]
		}
	}
	if best < 0 {
		return -1, fmt.Errorf("%w: box (%.3f, %.3f, %.3f, %.3f)", iface.ErrNoMatchingRegion, box.CX, box.CY, box.W, box.H)
	}
	return best, nil
}

// Match returns the embedding of the region selected for one example.
func (q *QueryEmbedder) Match(ex Example) (iface.Embedding, error) {
	p, err := q.cache.Proposals(ex.ImageKey)
	if err != nil {
		return nil, err
	}
	i, err := SelectRegion(p, ex.Box)
	if err != nil {
		return nil, err
	}
	return p.Embeddings[i], nil
}

// ImageExample is one user-drawn box on an image that may not be embedded yet.
type ImageExample struct {
	Image iface.Image
	Box   iface.Box
}

// BuildQuery derives the query embedding of one class from its examples.
func (q *QueryEmbedder) BuildQuery(class string, examples []Example) (iface.Embedding, error) {
	return q.build(class, len(examples), func(i int) (iface.Embedding, error) {
		return q.Match(examples[i])
	})
}

// BuildQueryFromImages embeds each image right before matching its box, so a class
// with more example images than the cache holds still builds.
func (q *QueryEmbedder) BuildQueryFromImages(class string, examples []ImageExample) (iface.Embedding, error) {
	return q.build(class, len(examples), func(i int) (iface.Embedding, error) {
		key, err := q.cache.Embed(examples[i].Image)
		if err != nil {
			return nil, err
		}
		return q.Match(Example{ImageKey: key, Box: examples[i].Box})
	})
}

func (q *QueryEmbedder) build(class string, n int, match func(i int) (iface.Embedding, error)) (iface.Embedding, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: class %q has no examples", iface.ErrInvalidRequest, class)
	}
	matched := make([]iface.Embedding, 0, n)
	for i := range n {
		e, err := match(i)
		if err != nil {
			return nil, fmt.Errorf("class %q, example %d: %w", class, i, err)
		}
		matched = append(matched, e)
	}
	return Aggregate(matched)
}

// Aggregate averages the embeddings and rescales the mean to unit length.
func Aggregate(embeddings []iface.Embedding) (iface.Embedding, error) {
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: nothing to aggregate", iface.ErrInvalidRequest)
	}
	dim := len(embeddings[0])
	sum := make([]float64, dim)
	for _, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("%w: got %d, want %d", iface.ErrDimensionMismatch, len(e), dim)
		}
		for i, x := range e {
			sum[i] += float64(x)
		}
	}
	query := make(iface.Embedding, dim)
	n := float64(len(embeddings))
	for i := range sum {
		query[i] = float32(sum[i] / n)
	}
	norm := l2Norm(query) + normEpsilon
	for i := range query {
		query[i] /= norm
	}
	return query, nil
}
