package fewshot

import (
	"math"
	"sort"

	iface "OwlDetServer/interface"
)

const (
	// MatchIoUThreshold is the overlap a region must strictly exceed to stand in for a user box.
	MatchIoUThreshold = 0.4
	// NMSIoUThreshold is the overlap above which the lower-scoring box is suppressed.
	NMSIoUThreshold = 0.3

	normEpsilon = 1e-6
)

// IoU of two corner-form boxes; 0 when the union is empty.
func IoU(a, b iface.Corners) float32 {
	inter := iface.Corners{
		X1: max(a.X1, b.X1),
		Y1: max(a.Y1, b.Y1),
		X2: min(a.X2, b.X2),
		Y2: min(a.Y2, b.Y2),
	}.Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppression returns the indices of the kept boxes in descending score order.
// Equal scores keep their input order. Suppression ignores class.
func NonMaxSuppression(boxes []iface.Corners, scores []float32, threshold float32) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	suppressed := make([]bool, len(boxes))
	keep := make([]int, 0, len(boxes))
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order[oi+1:] {
			if !suppressed[j] && IoU(boxes[i], boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func dot(a, b iface.Embedding) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func l2Norm(v iface.Embedding) float32 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return float32(math.Sqrt(s))
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
