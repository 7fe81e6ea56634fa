package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OwlDetServer/fewshot"
	iface "OwlDetServer/interface"
	"OwlDetServer/registry"
	"OwlDetServer/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	registry.Store
	puts atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, id string, payload []byte) error {
	s.puts.Add(1)
	return s.Store.Put(ctx, id, payload)
}

func newService(t *testing.T, stub *testutil.StubExtractor, cacheSize int) (*Service, *countingStore) {
	t.Helper()
	store := &countingStore{Store: registry.NewMemoryStore()}
	svc := New(fewshot.NewRuntime(stub, cacheSize), registry.New(store))
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func TestService_TrainThenInfer(t *testing.T) {
	stub := testutil.NewStubExtractor().Set(1, testutil.PetScene()).Set(2, testutil.PetScene())
	svc, store := newService(t, stub, 4)
	ctx := context.Background()

	m, err := svc.Train(ctx, []TrainImage{{
		Image: testutil.Image(1),
		Boxes: []iface.UserBox{{Class: "dog", Box: testutil.DogBox}, {Class: "cat", Box: testutil.CatBox}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, m.ClassNames())
	assert.Equal(t, int32(1), store.puts.Load())

	loaded, err := svc.Model(ctx, m.ID)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0}, []float32(loaded.Classes["cat"]), 1e-5)

	detections, err := svc.Infer(ctx, m.ID, testutil.Image(2), 0.9)
	require.NoError(t, err)
	require.Len(t, detections, 2)
	got := map[string]iface.Box{}
	for _, d := range detections {
		got[d.Class] = d.Box
		assert.Greater(t, d.Confidence, float32(0.9))
	}
	assert.Equal(t, map[string]iface.Box{"cat": testutil.CatBox, "dog": testutil.DogBox}, got)

	// Training image 1 and target image 2 each hit the extractor once.
	_, err = svc.Infer(ctx, m.ID, testutil.Image(2), 0.9)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.Calls(1))
	assert.Equal(t, 1, stub.Calls(2))
}

func TestService_TrainSurvivesEvictionWithinRequest(t *testing.T) {
	stub := testutil.NewStubExtractor()
	images := make([]TrainImage, 0, 5)
	for seed := byte(1); seed <= 5; seed++ {
		stub.Set(seed, testutil.PetScene())
		images = append(images, TrainImage{Image: testutil.Image(seed), Boxes: []iface.UserBox{{Class: "cat", Box: testutil.CatBox}}})
	}
	svc, _ := newService(t, stub, 1)

	m, err := svc.Train(context.Background(), images)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0}, []float32(m.Classes["cat"]), 1e-5)
}

func TestService_TrainBuildsEachClassAcrossEvictions(t *testing.T) {
	stub := testutil.NewStubExtractor().Set(1, testutil.PetScene()).Set(2, testutil.PetScene())
	svc, _ := newService(t, stub, 1)

	// image 1 carries both classes; building "cat" evicts it before "dog" needs it again
	m, err := svc.Train(context.Background(), []TrainImage{
		{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "dog", Box: testutil.DogBox}, {Class: "cat", Box: testutil.CatBox}}},
		{Image: testutil.Image(2), Boxes: []iface.UserBox{{Class: "cat", Box: testutil.CatBox}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, m.ClassNames())
	assert.InDeltaSlice(t, []float32{1, 0}, []float32(m.Classes["cat"]), 1e-5)
	assert.InDeltaSlice(t, []float32{0, 1}, []float32(m.Classes["dog"]), 1e-5)
	assert.Equal(t, 2, stub.Calls(1))
	assert.Equal(t, 1, stub.Calls(2))
}

func TestService_TrainIsAllOrNothing(t *testing.T) {
	stub := testutil.NewStubExtractor().Set(1, testutil.PetScene()).Set(2, testutil.PetScene()).FailOn(3)
	svc, store := newService(t, stub, 4)
	ctx := context.Background()

	t.Run("one class without a matching region", func(t *testing.T) {
		_, err := svc.Train(ctx, []TrainImage{
			{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: testutil.CatBox}}},
			{Image: testutil.Image(2), Boxes: []iface.UserBox{{Class: "bird", Box: iface.Box{CX: 0.05, CY: 0.95, W: 0.05, H: 0.05}}}},
		})
		assert.ErrorIs(t, err, iface.ErrNoMatchingRegion)
		assert.Equal(t, int32(0), store.puts.Load())
	})

	t.Run("corrupt image", func(t *testing.T) {
		_, err := svc.Train(ctx, []TrainImage{
			{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: testutil.CatBox}}},
			{Image: testutil.Image(3), Boxes: []iface.UserBox{{Class: "dog", Box: testutil.DogBox}}},
		})
		assert.ErrorIs(t, err, iface.ErrExtractionFailure)
		assert.Equal(t, int32(0), store.puts.Load())
	})
}

func TestService_TrainValidation(t *testing.T) {
	stub := testutil.NewStubExtractor()
	svc, _ := newService(t, stub, 4)
	ctx := context.Background()

	tests := map[string][]TrainImage{
		"no images":  nil,
		"no boxes":   {{Image: testutil.Image(1)}},
		"no class":   {{Image: testutil.Image(1), Boxes: []iface.UserBox{{Box: testutil.CatBox}}}},
		"empty area": {{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: iface.Box{CX: 0.5, CY: 0.5}}}}},
		"pixel box":  {{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: iface.Box{CX: 120, CY: 80, W: 40, H: 40}}}}},
		"off image":  {{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: iface.Box{CX: -0.1, CY: 0.5, W: 0.2, H: 0.2}}}}},
		"too wide":   {{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: iface.Box{CX: 0.5, CY: 0.5, W: 1.5, H: 0.2}}}}},
	}
	for name, images := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Train(ctx, images)
			assert.ErrorIs(t, err, iface.ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, stub.TotalCalls())
}

func TestService_InferErrors(t *testing.T) {
	stub := testutil.NewStubExtractor().Set(1, testutil.PetScene())
	svc, _ := newService(t, stub, 4)
	ctx := context.Background()

	_, err := svc.Infer(ctx, uuid.NewString(), testutil.Image(1), 0.5)
	assert.ErrorIs(t, err, iface.ErrModelNotFound)
	assert.Equal(t, 0, stub.TotalCalls())

	_, err = svc.Infer(ctx, uuid.NewString(), testutil.Image(1), 1.5)
	assert.ErrorIs(t, err, iface.ErrInvalidRequest)
}

func TestService_ConcurrentRequestsAreSerialised(t *testing.T) {
	stub := testutil.NewStubExtractor()
	var running, overlaps atomic.Int32
	stub.OnExtract = func(iface.Image) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	}
	for seed := byte(1); seed <= 20; seed++ {
		stub.Set(seed, testutil.PetScene())
	}
	svc, _ := newService(t, stub, 4)
	ctx := context.Background()

	m, err := svc.Train(ctx, []TrainImage{{Image: testutil.Image(1), Boxes: []iface.UserBox{{Class: "cat", Box: testutil.CatBox}}}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for seed := byte(2); seed <= 20; seed++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Infer(ctx, m.ID, testutil.Image(seed), 0.9)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, 0, svc.Pending())
}
