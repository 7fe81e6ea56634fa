package fewshot

import iface "OwlDetServer/interface"

// Runtime bundles everything that touches the extractor. It is the resource the
// sequencer owns; nothing else should hold a reference to it.
type Runtime struct {
	Cache    *Cache
	Queries  *QueryEmbedder
	Detector *Detector
}

func NewRuntime(extractor iface.FeatureExtractor, cacheSize int) *Runtime {
	cache := NewCache(extractor, cacheSize)
	return &Runtime{
		Cache:    cache,
		Queries:  NewQueryEmbedder(cache),
		Detector: NewDetector(cache),
	}
}
