package engine

import (
	"fmt"
	"time"

	iface "OwlDetServer/interface"
)

const (
	BackendGoCV   = "gocv"
	BackendRemote = "remote"
)

// Extractor is a FeatureExtractor that holds native or network resources.
type Extractor interface {
	iface.FeatureExtractor
	Close() error
}

type Config struct {
	Backend     string
	ModelPath   string
	InputName   string
	OutputNames []string
	InputSize   int
	UseGPU      bool
	RemoteURL   string
	Timeout     time.Duration
}

func NewExtractor(cfg Config) (Extractor, error) {
	switch cfg.Backend {
	case BackendGoCV:
		return LoadOwlNet(OwlNetConfig{
			ModelPath:   cfg.ModelPath,
			InputName:   cfg.InputName,
			OutputNames: cfg.OutputNames,
			InputSize:   cfg.InputSize,
			UseGPU:      cfg.UseGPU,
		})
	case BackendRemote:
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("remote extractor needs a URL")
		}
		return NewRemoteExtractor(cfg.RemoteURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown extractor backend %q", cfg.Backend)
	}
}
