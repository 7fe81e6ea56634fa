package engine

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	iface "OwlDetServer/interface"
	"OwlDetServer/monitor"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoRegionHeads() RawHeads {
	return RawHeads{
		Objectness:  []float32{0, 2},
		Boxes:       []float32{0.5, 0.5, 0.2, 0.2, 0.1, 0.2, 0.3, 0.4},
		ClassEmbeds: []float32{3, 4, 0, 0, -2, 0},
		LogitShift:  []float32{-1, 0.5},
		LogitScale:  []float32{1.5, -1},
	}
}

func TestRawHeads_Proposals(t *testing.T) {
	p, err := twoRegionHeads().Proposals()
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
	assert.Equal(t, 3, p.Dim())

	t.Run("boxes pass through", func(t *testing.T) {
		assert.Equal(t, iface.Box{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}, p.Boxes[0])
		assert.Equal(t, iface.Box{CX: 0.1, CY: 0.2, W: 0.3, H: 0.4}, p.Boxes[1])
	})

	t.Run("objectness is sigmoid", func(t *testing.T) {
		assert.InDelta(t, 0.5, p.Objectness[0], 1e-6)
		assert.InDelta(t, 1/(1+math.Exp(-2)), p.Objectness[1], 1e-6)
	})

	t.Run("embeddings are unit length", func(t *testing.T) {
		assert.InDeltaSlice(t, []float32{0.6, 0.8, 0}, []float32(p.Embeddings[0]), 1e-5)
		assert.InDeltaSlice(t, []float32{0, -1, 0}, []float32(p.Embeddings[1]), 1e-5)
	})

	t.Run("scale is elu plus one", func(t *testing.T) {
		assert.InDelta(t, 2.5, p.LogitScale[0], 1e-6)
		assert.InDelta(t, math.Exp(-1), p.LogitScale[1], 1e-6)
		assert.Equal(t, []float32{-1, 0.5}, p.LogitShift)
	})
}

func TestRawHeads_ProposalsRejectsBadShapes(t *testing.T) {
	cases := map[string]func(h *RawHeads){
		"no regions":       func(h *RawHeads) { *h = RawHeads{} },
		"short boxes":      func(h *RawHeads) { h.Boxes = h.Boxes[:7] },
		"short shift":      func(h *RawHeads) { h.LogitShift = h.LogitShift[:1] },
		"short scale":      func(h *RawHeads) { h.LogitScale = nil },
		"ragged embedding": func(h *RawHeads) { h.ClassEmbeds = h.ClassEmbeds[:5] },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := twoRegionHeads()
			mutate(&h)
			_, err := h.Proposals()
			assert.ErrorIs(t, err, iface.ErrExtractionFailure)
		})
	}
}

func TestDecodeBase64Image_Rejects(t *testing.T) {
	_, err := DecodeBase64Image("not base64 !!")
	assert.ErrorIs(t, err, iface.ErrInvalidRequest)

	_, err = DecodeImage(nil)
	assert.ErrorIs(t, err, iface.ErrExtractionFailure)

	_, err = DecodeBase64Image("data:image/png;base64,aGVsbG8=")
	assert.ErrorIs(t, err, iface.ErrExtractionFailure)
}

func TestNewExtractor(t *testing.T) {
	_, err := NewExtractor(Config{Backend: "tensorrt"})
	assert.Error(t, err)

	_, err = NewExtractor(Config{Backend: BackendRemote})
	assert.Error(t, err)

	_, err = NewExtractor(Config{Backend: BackendGoCV, InputSize: 960})
	assert.Error(t, err)

	ex, err := NewExtractor(Config{Backend: BackendRemote, RemoteURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	assert.NoError(t, ex.Close())
}

func TestRemoteExtractor(t *testing.T) {
	var got extractRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.Width == 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(remoteError{Error: "empty image"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(twoRegionHeads())
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ex := NewRemoteExtractor(srv.URL, 5*time.Second)

	t.Run("extract", func(t *testing.T) {
		img := iface.Image{Width: 2, Height: 1, Channels: 3, Pixels: []byte{1, 2, 3, 4, 5, 6}}
		p, err := ex.Extract(img)
		require.NoError(t, err)
		assert.Equal(t, img.Pixels, got.Pixels)
		assert.Equal(t, 2, got.Width)
		assert.Equal(t, 2, p.Len())
		assert.InDelta(t, 0.5, p.Objectness[0], 1e-6)
	})

	t.Run("sidecar error", func(t *testing.T) {
		_, err := ex.Extract(iface.Image{})
		require.ErrorIs(t, err, iface.ErrExtractionFailure)
		assert.Contains(t, err.Error(), "empty image")
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, ex.CheckHealth(context.Background()))
		srv.Close()
		assert.Error(t, ex.CheckHealth(context.Background()))
	})
}

func TestRemoteExtractor_WatchHealth(t *testing.T) {
	var healthy atomic.Bool
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ex := NewRemoteExtractor(srv.URL, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go ex.WatchHealth(ctx, 10*time.Millisecond, &wg)

	assert.Eventually(t, func() bool {
		return probes.Load() > 0 && testutil.ToFloat64(monitor.ExtractorUp) == 0
	}, 2*time.Second, 5*time.Millisecond)

	healthy.Store(true)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(monitor.ExtractorUp) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}
