// Package operations provides the built-in image-processing steps and their definitions.
package operations

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"

	"golang.org/x/image/draw"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine/runtime"
)

// SourcePrefix namespaces the source keys of built-in operations.
const SourcePrefix = "builtin."

var errNoImage = errors.New("input image is missing")

// GrayscaleOperation converts the input raster to 8-bit luminance.
type GrayscaleOperation struct {
	logger *slog.Logger
}

// Execute converts the image.
func (o *GrayscaleOperation) Execute(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	gray := toGray(img)
	o.logger.Debug("grayscale applied", "width", gray.Bounds().Dx(), "height", gray.Bounds().Dy())
	return map[string]domain.Value{"output": domain.Image(gray)}, nil
}

// ThresholdOperation binarises the luminance of the input at a cut-off.
type ThresholdOperation struct {
	logger *slog.Logger
}

// Execute maps pixels at or above threshold to white and the rest to black.
func (o *ThresholdOperation) Execute(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	cut := numberOr(in, "threshold", 128)
	if cut < 0 || cut > 255 {
		return nil, fmt.Errorf("threshold %v outside 0..255", cut)
	}

	gray := toGray(img)
	out := image.NewGray(gray.Bounds())
	for i, y := range gray.Pix {
		if float64(y) >= cut {
			out.Pix[i] = 0xff
		}
	}
	o.logger.Debug("threshold applied", "threshold", cut)
	return map[string]domain.Value{"output": domain.Image(out)}, nil
}

// InvertOperation produces the colour negative of the input.
type InvertOperation struct {
	logger *slog.Logger
}

// Execute inverts every colour channel, keeping alpha.
func (o *InvertOperation) Execute(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetNRGBA(x, y, color.NRGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: c.A})
		}
	}
	o.logger.Debug("invert applied")
	return map[string]domain.Value{"output": domain.Image(out)}, nil
}

// ResizeOperation scales the input to the requested dimensions.
type ResizeOperation struct {
	logger *slog.Logger
}

// Execute resizes with Catmull-Rom interpolation. A missing dimension keeps the aspect ratio.
func (o *ResizeOperation) Execute(ctx context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := int(math.Round(numberOr(in, "width", 0)))
	height := int(math.Round(numberOr(in, "height", 0)))
	switch {
	case width <= 0 && height <= 0:
		return nil, errors.New("resize needs a positive width or height")
	case width <= 0:
		width = int(math.Max(1, math.Round(float64(bounds.Dx())*float64(height)/float64(bounds.Dy()))))
	case height <= 0:
		height = int(math.Max(1, math.Round(float64(bounds.Dy())*float64(width)/float64(bounds.Dx()))))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(out, out.Bounds(), img, bounds, draw.Src, nil)
	o.logger.Debug("resize applied", "width", width, "height", height)
	return map[string]domain.Value{"output": domain.Image(out)}, nil
}

// CropOperation extracts a rectangle of the input.
type CropOperation struct {
	logger *slog.Logger
}

// Execute crops to x, y, width, height, clipped to the image bounds.
func (o *CropOperation) Execute(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	x := int(numberOr(in, "x", 0))
	y := int(numberOr(in, "y", 0))
	w := int(numberOr(in, "width", float64(bounds.Dx())))
	h := int(numberOr(in, "height", float64(bounds.Dy())))

	rect := image.Rect(bounds.Min.X+x, bounds.Min.Y+y, bounds.Min.X+x+w, bounds.Min.Y+y+h).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("crop rectangle (%d,%d %dx%d) lies outside the image", x, y, w, h)
	}

	out := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	o.logger.Debug("crop applied", "rect", rect.String())
	return map[string]domain.Value{"output": domain.Image(out)}, nil
}

// MeanIntensityOperation reports the mean luminance of the input.
type MeanIntensityOperation struct {
	logger *slog.Logger
}

// Execute returns the mean in 0..255 as "mean".
func (o *MeanIntensityOperation) Execute(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	gray := toGray(img)
	var sum float64
	for _, v := range gray.Pix {
		sum += float64(v)
	}
	mean := sum / float64(len(gray.Pix))
	o.logger.Debug("mean intensity computed", "mean", mean)
	return map[string]domain.Value{"mean": domain.Number(mean)}, nil
}

// BlankRatioOperation reports the share of near-black pixels.
type BlankRatioOperation struct {
	logger *slog.Logger
}

// Execute returns the fraction of pixels with luminance at or below threshold as "ratio".
func (o *BlankRatioOperation) Execute(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
	img, err := inputImage(in)
	if err != nil {
		return nil, err
	}
	cut := numberOr(in, "threshold", 16)
	gray := toGray(img)
	var blank int
	for _, v := range gray.Pix {
		if float64(v) <= cut {
			blank++
		}
	}
	ratio := float64(blank) / float64(len(gray.Pix))
	o.logger.Debug("blank ratio computed", "ratio", ratio)
	return map[string]domain.Value{"ratio": domain.Number(ratio)}, nil
}

func inputImage(in map[string]domain.Value) (image.Image, error) {
	img, ok := in["image"].AsImage()
	if !ok || img.Bounds().Empty() {
		return nil, errNoImage
	}
	return img, nil
}

func numberOr(in map[string]domain.Value, name string, fallback float64) float64 {
	if f, ok := in[name].AsNumber(); ok {
		return f
	}
	return fallback
}

// toGray returns img as a tightly packed *image.Gray with its origin at (0, 0).
func toGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}

// Register binds every built-in operation to sandbox under its source key.
func Register(sandbox *runtime.PluginSandbox, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sandbox.Register(SourcePrefix+"grayscale", &GrayscaleOperation{logger: logger})
	sandbox.Register(SourcePrefix+"threshold", &ThresholdOperation{logger: logger})
	sandbox.Register(SourcePrefix+"invert", &InvertOperation{logger: logger})
	sandbox.Register(SourcePrefix+"resize", &ResizeOperation{logger: logger})
	sandbox.Register(SourcePrefix+"crop", &CropOperation{logger: logger})
	sandbox.Register(SourcePrefix+"mean_intensity", &MeanIntensityOperation{logger: logger})
	sandbox.Register(SourcePrefix+"blank_ratio", &BlankRatioOperation{logger: logger})
}

// Definitions returns the operation definitions of the built-ins. Their ids equal their
// names so pipelines can reference them directly.
func Definitions() []domain.OperationDef {
	src := domain.ParamSchema{Name: "image", Type: domain.ParamImage, Description: "input raster", Required: true}
	output := []domain.ParamSchema{{Name: "output", Type: domain.ParamImage, Description: "processed raster"}}

	def := func(name, description string, inputs []domain.ParamSchema, outputs []domain.ParamSchema) domain.OperationDef {
		return domain.OperationDef{
			ID:          name,
			Name:        name,
			Description: description,
			Source:      SourcePrefix + name,
			Inputs:      inputs,
			Outputs:     outputs,
		}
	}

	return []domain.OperationDef{
		def("grayscale", "Convert to 8-bit luminance", []domain.ParamSchema{src}, output),
		def("threshold", "Binarise luminance at a cut-off", []domain.ParamSchema{
			src,
			{Name: "threshold", Type: domain.ParamNumber, Default: domain.Number(128)},
		}, output),
		def("invert", "Colour negative", []domain.ParamSchema{src}, output),
		def("resize", "Scale to width and height", []domain.ParamSchema{
			src,
			{Name: "width", Type: domain.ParamNumber},
			{Name: "height", Type: domain.ParamNumber},
		}, output),
		def("crop", "Extract a rectangle", []domain.ParamSchema{
			src,
			{Name: "x", Type: domain.ParamNumber, Default: domain.Number(0)},
			{Name: "y", Type: domain.ParamNumber, Default: domain.Number(0)},
			{Name: "width", Type: domain.ParamNumber},
			{Name: "height", Type: domain.ParamNumber},
		}, output),
		def("mean_intensity", "Mean luminance in 0..255", []domain.ParamSchema{src},
			[]domain.ParamSchema{{Name: "mean", Type: domain.ParamNumber}}),
		def("blank_ratio", "Share of near-black pixels", []domain.ParamSchema{
			src,
			{Name: "threshold", Type: domain.ParamNumber, Default: domain.Number(16)},
		}, []domain.ParamSchema{{Name: "ratio", Type: domain.ParamNumber}}),
	}
}
