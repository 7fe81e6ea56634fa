package iface

// Box is a fractional center-form box, all values relative to the image size.
type Box struct {
	CX float32 `json:"x"`
	CY float32 `json:"y"`
	W  float32 `json:"w"`
	H  float32 `json:"h"`
}

// Corners is the same box in (x1, y1, x2, y2) form.
type Corners struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) Corners() Corners {
	return Corners{
		X1: b.CX - b.W/2,
		Y1: b.CY - b.H/2,
		X2: b.CX + b.W/2,
		Y2: b.CY + b.H/2,
	}
}

func (c Corners) Area() float32 {
	w := c.X2 - c.X1
	h := c.Y2 - c.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Image is decoded pixel content. Pixels is row-major, interleaved channels.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pixels   []byte
}

type Embedding []float32

// Proposals holds the N region proposals of one image. All slices share index i.
// Values handed out by the cache are shared and must not be modified.
type Proposals struct {
	Boxes      []Box
	Objectness []float32
	Embeddings []Embedding
	LogitShift []float32
	LogitScale []float32
}

func (p *Proposals) Len() int {
	return len(p.Boxes)
}

// Dim is the embedding dimension, 0 for an empty set.
func (p *Proposals) Dim() int {
	if len(p.Embeddings) == 0 {
		return 0
	}
	return len(p.Embeddings[0])
}

// UserBox is a box drawn by an annotator on a training image.
type UserBox struct {
	Class string `json:"cls"`
	Box   Box    `json:"bbox"`
}

type Detection struct {
	Class      string  `json:"class_name"`
	Box        Box     `json:"bbox"`
	Confidence float32 `json:"confidence"`
}

// FeatureExtractor is the pretrained network: image in, region proposals out.
// Implementations must be deterministic for identical pixels.
type FeatureExtractor interface {
	Extract(img Image) (*Proposals, error)
}
