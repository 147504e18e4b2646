package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/smashpdf/smash/internal/model"
)

// LibraryTierName identifies the always-available baseline tier.
const LibraryTierName = "library"

// ErrLibraryUnavailable is returned by the baseline tier when no document
// library was wired in at startup.
var ErrLibraryUnavailable = errors.New("built-in document library is not available")

// libraryTier is the always-available baseline. It runs in-process against
// the built-in document library, trading the stronger engines' fidelity for
// guaranteed availability.
type libraryTier struct {
	transformer Transformer
	renderer    Renderer
}

func newLibraryTier(transformer Transformer, renderer Renderer) *libraryTier {
	return &libraryTier{transformer: transformer, renderer: renderer}
}

func (t *libraryTier) Name() string { return LibraryTierName }

func (t *libraryTier) Run(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	if req.Operation == model.OpRender {
		return t.render(ctx, req)
	}

	if t.transformer == nil {
		return nil, ErrLibraryUnavailable
	}

	inputs := make([][]byte, len(req.Inputs))
	for i, p := range req.Inputs {
		inputs[i] = p.Bytes()
	}

	outputs, err := t.transformer.Transform(ctx, inputs, req.Operation, req.Params,
		func(done, total int) {
			if onProgress != nil && total > 0 {
				onProgress(done * 100 / total)
			}
		})
	if err != nil {
		return nil, fmt.Errorf("library %s: %w", req.Operation, err)
	}

	res := finishResult(req, outputs)
	if req.Operation == model.OpSplit {
		res.PageCount = len(outputs)
	}
	return res, nil
}

func (t *libraryTier) render(ctx context.Context, req Request) (*Result, error) {
	if t.renderer == nil {
		return nil, ErrLibraryUnavailable
	}

	p := req.Params.Render
	scale := p.Scale
	if scale <= 0 {
		scale = 1.0
	}

	pix, err := t.renderer.RenderPage(ctx, req.Inputs[0].Bytes(), p.Page, scale)
	if err != nil {
		return nil, fmt.Errorf("library render page %d: %w", p.Page, err)
	}

	img := image.NewRGBA(image.Rect(0, 0, pix.Width, pix.Height))
	copy(img.Pix, pix.Pixels)

	var buf bytes.Buffer
	switch p.Format {
	case model.FormatJPEG:
		err = jpeg.Encode(&buf, img, nil)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode rendered page: %w", err)
	}

	res := finishResult(req, [][]byte{buf.Bytes()})
	res.Width = pix.Width
	res.Height = pix.Height
	return res, nil
}
