package engine

import (
	"context"
	"fmt"
	"time"

	iface "OwlDetServer/interface"

	"github.com/go-resty/resty/v2"
)

// RemoteExtractor delegates head computation to an HTTP inference sidecar that
// hosts the OWLv2 image encoder.
type RemoteExtractor struct {
	client *resty.Client
}

type extractRequest struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Pixels   []byte `json:"pixels"`
}

type remoteError struct {
	Error string `json:"error"`
}

func NewRemoteExtractor(baseURL string, timeout time.Duration) *RemoteExtractor {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &RemoteExtractor{client: client}
}

func (r *RemoteExtractor) Extract(img iface.Image) (*iface.Proposals, error) {
	var heads RawHeads
	var apiErr remoteError
	resp, err := r.client.R().
		SetBody(extractRequest{Width: img.Width, Height: img.Height, Channels: img.Channels, Pixels: img.Pixels}).
		SetResult(&heads).
		SetError(&apiErr).
		Post("/extract")
	if err != nil {
		return nil, fmt.Errorf("%w: extractor request: %w", iface.ErrExtractionFailure, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: extractor returned %s: %s", iface.ErrExtractionFailure, resp.Status(), apiErr.Error)
	}
	return heads.Proposals()
}

// CheckHealth probes the sidecar's /health endpoint.
func (r *RemoteExtractor) CheckHealth(ctx context.Context) error {
	resp, err := r.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("health check returned %s", resp.Status())
	}
	return nil
}

func (r *RemoteExtractor) Close() error {
	return nil
}
