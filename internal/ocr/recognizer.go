/**
 * OCR recognizer - page image to raw text blocks
 *
 * Tesseract via gosseract. Word boxes are reported in raster pixels;
 * the region extractor maps them to page units and merges them.
 */

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/deepreadx/internal/region"
)

// Result holds the blocks of one page image and its raster size
type Result struct {
	Blocks       []region.RawBlock
	RasterWidth  int
	RasterHeight int
}

// Recognizer turns a page image into raw OCR blocks
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (*Result, error)
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
	// Lines reports text lines instead of words
	Lines bool
}

// TesseractRecognizer runs Tesseract on page images
type TesseractRecognizer struct {
	languages []string
	level     gosseract.PageIteratorLevel
}

// NewTesseractRecognizer creates a recognizer
func NewTesseractRecognizer(cfg *TesseractConfig) *TesseractRecognizer {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	level := gosseract.RIL_WORD
	if cfg.Lines {
		level = gosseract.RIL_TEXTLINE
	}
	return &TesseractRecognizer{languages: langs, level: level}
}

// Recognize performs OCR on image
func (t *TesseractRecognizer) Recognize(ctx context.Context, img []byte) (*Result, error) {
	if len(img) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width, height := rasterSize(img)

	// gosseract clients are not safe for concurrent use; one per call
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(t.level)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	// Page may have been evicted while Tesseract ran
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Blocks:       ToBlocks(boxes),
		RasterWidth:  width,
		RasterHeight: height,
	}, nil
}

// ToBlocks converts Tesseract boxes; confidences are rescaled from 0..100
func ToBlocks(boxes []gosseract.BoundingBox) []region.RawBlock {
	blocks := make([]region.RawBlock, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		conf := b.Confidence / 100
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		blocks = append(blocks, region.RawBlock{
			Text: text,
			Box: region.Box{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
			Confidence: conf,
		})
	}
	return blocks
}

// rasterSize decodes only the image header; zero when the format is unknown
func rasterSize(img []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
