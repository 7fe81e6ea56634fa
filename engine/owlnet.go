package engine

import (
	"fmt"
	"image"

	iface "OwlDetServer/interface"
	"OwlDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DefaultOutputNames are the head outputs of the exported image-guided OWLv2 graph,
// in RawHeads field order.
var DefaultOutputNames = []string{"objectness_logits", "pred_boxes", "class_embeds", "logit_shift", "logit_scale"}

type OwlNetConfig struct {
	ModelPath   string
	InputName   string
	OutputNames []string
	InputSize   int
	UseGPU      bool
}

// OwlNet runs an exported OWLv2 image encoder through OpenCV's DNN module.
// It is not safe for concurrent use.
type OwlNet struct {
	net       gocv.Net
	inputName string
	outputs   []string
	inputSize int
}

func LoadOwlNet(cfg OwlNetConfig) (*OwlNet, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	outputs := cfg.OutputNames
	if len(outputs) == 0 {
		outputs = DefaultOutputNames
	}
	if len(outputs) != 5 {
		return nil, fmt.Errorf("expected 5 output names, got %d", len(outputs))
	}
	if cfg.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", cfg.InputSize)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if cfg.UseGPU {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	logger.Named("engine").Info("loaded OWL network",
		zap.String("model_path", cfg.ModelPath), zap.Int("input_size", cfg.InputSize), zap.Bool("use_gpu", cfg.UseGPU))
	return &OwlNet{
		net:       net,
		inputName: cfg.InputName,
		outputs:   outputs,
		inputSize: cfg.InputSize,
	}, nil
}

func (o *OwlNet) Extract(img iface.Image) (*iface.Proposals, error) {
	mat, err := toBGR(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(o.inputSize, o.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	o.net.SetInput(blob, o.inputName)

	outs := o.net.ForwardLayers(o.outputs)
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()
	if len(outs) != len(o.outputs) {
		return nil, fmt.Errorf("%w: network returned %d outputs, want %d", iface.ErrExtractionFailure, len(outs), len(o.outputs))
	}

	heads := make([][]float32, len(outs))
	for i := range outs {
		data, err := outs[i].DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("%w: output %s: %w", iface.ErrExtractionFailure, o.outputs[i], err)
		}
		heads[i] = append([]float32(nil), data...)
	}
	return RawHeads{
		Objectness:  heads[0],
		Boxes:       heads[1],
		ClassEmbeds: heads[2],
		LogitShift:  heads[3],
		LogitScale:  heads[4],
	}.Proposals()
}

func (o *OwlNet) Close() error {
	return o.net.Close()
}

func toBGR(img iface.Image) (gocv.Mat, error) {
	if img.Width <= 0 || img.Height <= 0 || len(img.Pixels) != img.Width*img.Height*img.Channels {
		return gocv.NewMat(), fmt.Errorf("%w: %dx%dx%d image with %d bytes",
			iface.ErrExtractionFailure, img.Width, img.Height, img.Channels, len(img.Pixels))
	}
	var matType gocv.MatType
	var conv gocv.ColorConversionCode
	switch img.Channels {
	case 1:
		matType, conv = gocv.MatTypeCV8UC1, gocv.ColorGrayToBGR
	case 3:
		matType = gocv.MatTypeCV8UC3
	case 4:
		matType, conv = gocv.MatTypeCV8UC4, gocv.ColorBGRAToBGR
	default:
		return gocv.NewMat(), fmt.Errorf("%w: unsupported channel count %d", iface.ErrExtractionFailure, img.Channels)
	}
	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, matType, img.Pixels)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %w", iface.ErrExtractionFailure, err)
	}
	if img.Channels == 3 {
		return mat, nil
	}
	bgr := gocv.NewMat()
	gocv.CvtColor(mat, &bgr, conv)
	mat.Close()
	return bgr, nil
}
