// Package service implements train and infer on top of the sequencer and the registry.
package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"OwlDetServer/fewshot"
	iface "OwlDetServer/interface"
	"OwlDetServer/logger"
	"OwlDetServer/registry"
	"OwlDetServer/sequencer"

	"go.uber.org/zap"
)

// TrainImage is one annotated example image.
type TrainImage struct {
	Image iface.Image
	Boxes []iface.UserBox
}

type Service struct {
	seq      *sequencer.Sequencer[*fewshot.Runtime]
	registry *registry.Registry
	log      *zap.Logger
}

// New hands rt to a fresh sequencer; rt must not be used by anything else afterwards.
func New(rt *fewshot.Runtime, reg *registry.Registry) *Service {
	return &Service{
		seq:      sequencer.New(rt),
		registry: reg,
		log:      logger.Named("service"),
	}
}

// Train builds one query embedding per class, in class order, through the query
// embedder and registers the model. Nothing is registered unless every class succeeds.
func (s *Service) Train(ctx context.Context, images []TrainImage) (*registry.Model, error) {
	if err := validateTrain(images); err != nil {
		return nil, err
	}
	jobCtx := context.WithoutCancel(ctx)
	return sequencer.Do(ctx, s.seq, "train", func(rt *fewshot.Runtime) (*registry.Model, error) {
		examples := map[string][]fewshot.ImageExample{}
		for _, img := range images {
			for _, ub := range img.Boxes {
				examples[ub.Class] = append(examples[ub.Class], fewshot.ImageExample{Image: img.Image, Box: ub.Box})
			}
		}

		classes := make(map[string]iface.Embedding, len(examples))
		for _, name := range slices.Sorted(maps.Keys(examples)) {
			q, err := rt.Queries.BuildQueryFromImages(name, examples[name])
			if err != nil {
				return nil, err
			}
			classes[name] = q
		}
		m, err := s.registry.Create(jobCtx, "", classes)
		if err != nil {
			return nil, err
		}
		s.log.Info("trained model", zap.String("model_id", m.ID), zap.Int("images", len(images)), zap.Strings("classes", m.ClassNames()))
		return m, nil
	})
}

// Infer runs a stored model on img.
func (s *Service) Infer(ctx context.Context, modelID string, img iface.Image, confidence float32) ([]iface.Detection, error) {
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0, 1]", iface.ErrInvalidRequest, confidence)
	}
	jobCtx := context.WithoutCancel(ctx)
	return sequencer.Do(ctx, s.seq, "infer", func(rt *fewshot.Runtime) ([]iface.Detection, error) {
		m, err := s.registry.Load(jobCtx, modelID)
		if err != nil {
			return nil, err
		}
		key, err := rt.Cache.Embed(img)
		if err != nil {
			return nil, err
		}
		detections, err := rt.Detector.Detect(key, m.Classes, confidence)
		if err != nil {
			return nil, err
		}
		s.log.Debug("inference done", zap.String("model_id", modelID), zap.Int("detections", len(detections)))
		return detections, nil
	})
}

// Model loads a stored model without going through the accelerator queue.
func (s *Service) Model(ctx context.Context, id string) (*registry.Model, error) {
	return s.registry.Load(ctx, id)
}

func (s *Service) Pending() int {
	return s.seq.Pending()
}

// Close drains queued jobs, then closes the registry.
func (s *Service) Close() error {
	s.seq.Close()
	return s.registry.Close()
}

func validateTrain(images []TrainImage) error {
	boxes := 0
	for i, img := range images {
		for j, ub := range img.Boxes {
			if ub.Class == "" {
				return fmt.Errorf("%w: image %d box %d has no class", iface.ErrInvalidRequest, i, j)
			}
			if ub.Box.W <= 0 || ub.Box.H <= 0 {
				return fmt.Errorf("%w: image %d box %d has non-positive size", iface.ErrInvalidRequest, i, j)
			}
			if !fractional(ub.Box) {
				return fmt.Errorf("%w: image %d box %d is not in fractional [0, 1] coordinates", iface.ErrInvalidRequest, i, j)
			}
			boxes++
		}
	}
	if boxes == 0 {
		return fmt.Errorf("%w: no labelled boxes", iface.ErrInvalidRequest)
	}
	return nil
}

func fractional(b iface.Box) bool {
	for _, v := range []float32{b.CX, b.CY, b.W, b.H} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}
