// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"errors"
	"fmt"
	"sync"

	iface "OwlDetServer/interface"
)

var ErrCorruptImage = errors.New("corrupt image")

// Image returns a tiny 2x2 RGB image whose pixels are all seed.
func Image(seed byte) iface.Image {
	px := make([]byte, 2*2*3)
	for i := range px {
		px[i] = seed
	}
	return iface.Image{Width: 2, Height: 2, Channels: 3, Pixels: px}
}

// DecodeSeed stands in for image decoding in transport tests: the first payload byte is the seed.
func DecodeSeed(data []byte) (iface.Image, error) {
	if len(data) == 0 {
		return iface.Image{}, fmt.Errorf("%w: empty image", iface.ErrExtractionFailure)
	}
	return Image(data[0]), nil
}

var (
	CatBox = iface.Box{CX: 0.3, CY: 0.3, W: 0.2, H: 0.2}
	DogBox = iface.Box{CX: 0.7, CY: 0.7, W: 0.2, H: 0.2}
)

// PetScene has one confident cat region and one confident dog region.
func PetScene() *iface.Proposals {
	return Proposals(
		Region{Box: CatBox, Objectness: 0.9, Embedding: iface.Embedding{1, 0}, Scale: 10},
		Region{Box: DogBox, Objectness: 0.9, Embedding: iface.Embedding{0, 1}, Scale: 10},
	)
}

// Region is a single proposal fixture.
type Region struct {
	Box        iface.Box
	Objectness float32
	Embedding  iface.Embedding
	Shift      float32
	Scale      float32
}

func Proposals(regions ...Region) *iface.Proposals {
	p := &iface.Proposals{}
	for _, r := range regions {
		scale := r.Scale
		if scale == 0 {
			scale = 1
		}
		p.Boxes = append(p.Boxes, r.Box)
		p.Objectness = append(p.Objectness, r.Objectness)
		p.Embeddings = append(p.Embeddings, r.Embedding)
		p.LogitShift = append(p.LogitShift, r.Shift)
		p.LogitScale = append(p.LogitScale, scale)
	}
	return p
}

// StubExtractor serves fixed proposals keyed by the first pixel byte of the image.
type StubExtractor struct {
	mu        sync.Mutex
	proposals map[byte]*iface.Proposals
	fail      map[byte]bool
	calls     map[byte]int
	// OnExtract, when set, runs inside every Extract call.
	OnExtract func(img iface.Image)
}

func NewStubExtractor() *StubExtractor {
	return &StubExtractor{
		proposals: map[byte]*iface.Proposals{},
		fail:      map[byte]bool{},
		calls:     map[byte]int{},
	}
}

func (s *StubExtractor) Set(seed byte, p *iface.Proposals) *StubExtractor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[seed] = p
	return s
}

func (s *StubExtractor) FailOn(seed byte) *StubExtractor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[seed] = true
	return s
}

func (s *StubExtractor) Calls(seed byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[seed]
}

func (s *StubExtractor) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *StubExtractor) Extract(img iface.Image) (*iface.Proposals, error) {
	if s.OnExtract != nil {
		s.OnExtract(img)
	}
	if len(img.Pixels) == 0 {
		return nil, ErrCorruptImage
	}
	seed := img.Pixels[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[seed]++
	if s.fail[seed] {
		return nil, ErrCorruptImage
	}
	p, ok := s.proposals[seed]
	if !ok {
		return &iface.Proposals{}, nil
	}
	return p, nil
}
