package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/protocol"
	"github.com/smashpdf/smash/internal/worker"
)

// Scratch-relative file names used in engine invocations.
const (
	inputName  = "input.pdf"
	outputName = "output.pdf"
)

// workerTier runs operations on an engine worker process. It translates each
// high-level operation into the engine's argument-list protocol: write the
// input into the worker's scratch filesystem, invoke the engine, read the
// outputs back. The per-type worker serializes calls, so at most one
// operation is in flight per engine instance.
type workerTier struct {
	name       string
	engineType string
	pool       TaskSender
	modules    ModuleLoader
}

func newWorkerTier(engineType string, pool TaskSender, modules ModuleLoader) *workerTier {
	return &workerTier{
		name:       engineType,
		engineType: engineType,
		pool:       pool,
		modules:    modules,
	}
}

func (t *workerTier) Name() string { return t.name }

func (t *workerTier) Run(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	if err := t.modules.Load(ctx, t.engineType); err != nil {
		return nil, err
	}

	switch req.Operation {
	case model.OpCompress:
		return t.compress(ctx, req, onProgress)
	case model.OpProtect:
		return t.protect(ctx, req, onProgress)
	case model.OpUnlock:
		return t.unlock(ctx, req, onProgress)
	case model.OpMerge:
		return t.merge(ctx, req, onProgress)
	case model.OpSplit:
		return t.split(ctx, req, onProgress)
	case model.OpRender:
		return t.render(ctx, req, onProgress)
	default:
		return nil, fmt.Errorf("operation %q not supported by tier %s", req.Operation, t.name)
	}
}

// send posts one engine invocation to the worker. The orchestrator keeps
// ownership of the input buffers so a weaker tier can retry them, so
// transfer is never requested here.
func (t *workerTier) send(ctx context.Context, spec protocol.ExecSpec, inputs []*model.Payload, onProgress func(int)) (*protocol.Result, error) {
	return t.pool.SendTask(ctx, t.engineType, worker.Task{
		Spec:       spec,
		Inputs:     inputs,
		OnProgress: onProgress,
	})
}

func (t *workerTier) compress(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	preset := req.Params.Compress.Preset
	spec := protocol.ExecSpec{
		Argv: []string{
			"-sDEVICE=pdfwrite",
			"-dCompatibilityLevel=1.4",
			"-dPDFSETTINGS=/" + preset,
			"-dNOPAUSE",
			"-dBATCH",
			"-dDetectDuplicateImages=true",
			"-dCompressFonts=true",
			"-dSubsetFonts=true",
			"-sOutputFile=" + outputName,
			inputName,
		},
		Inputs:      []protocol.NamedFile{{Name: inputName}},
		OutputFiles: []string{outputName},
	}

	res, err := t.send(ctx, spec, req.Inputs, onProgress)
	if err != nil {
		return nil, fmt.Errorf("compress (%s): %w", preset, err)
	}
	return finishResult(req, res.Outputs), nil
}

func (t *workerTier) protect(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	p := req.Params.Protect
	owner := p.OwnerPassword
	if owner == "" {
		owner = p.UserPassword
	}
	keyBits := p.KeyBits
	if keyBits == 0 {
		keyBits = model.KeyAES256
	}

	argv := []string{"--encrypt", p.UserPassword, owner, strconv.Itoa(keyBits)}
	if keyBits == model.KeyAES128 {
		argv = append(argv, "--use-aes=y")
	}
	argv = append(argv, "--", inputName, outputName)

	spec := protocol.ExecSpec{
		Argv:        argv,
		Inputs:      []protocol.NamedFile{{Name: inputName}},
		OutputFiles: []string{outputName},
	}

	res, err := t.send(ctx, spec, req.Inputs, onProgress)
	if err != nil {
		return nil, fmt.Errorf("protect: %w", err)
	}
	return finishResult(req, res.Outputs), nil
}

func (t *workerTier) unlock(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	spec := protocol.ExecSpec{
		Argv: []string{
			"--decrypt",
			"--password=" + req.Params.Unlock.Password,
			inputName,
			outputName,
		},
		Inputs:      []protocol.NamedFile{{Name: inputName}},
		OutputFiles: []string{outputName},
	}

	res, err := t.send(ctx, spec, req.Inputs, onProgress)
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	return finishResult(req, res.Outputs), nil
}

func (t *workerTier) merge(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	argv := []string{
		"-sDEVICE=pdfwrite",
		"-dNOPAUSE",
		"-dBATCH",
		"-sOutputFile=" + outputName,
	}
	inputs := make([]protocol.NamedFile, len(req.Inputs))
	for i := range req.Inputs {
		name := fmt.Sprintf("input-%03d.pdf", i)
		inputs[i] = protocol.NamedFile{Name: name}
		argv = append(argv, name)
	}

	spec := protocol.ExecSpec{
		Argv:        argv,
		Inputs:      inputs,
		OutputFiles: []string{outputName},
	}

	res, err := t.send(ctx, spec, req.Inputs, onProgress)
	if err != nil {
		return nil, fmt.Errorf("merge %d files: %w", len(req.Inputs), err)
	}
	return finishResult(req, res.Outputs), nil
}

// pageCount queries the document's page count with a PostScript one-liner.
func (t *workerTier) pageCount(ctx context.Context, input *model.Payload) (int, error) {
	spec := protocol.ExecSpec{
		Argv: []string{
			"-q",
			"-dNODISPLAY",
			"-dNOSAFER",
			"-c",
			"(" + inputName + ") (r) file runpdfbegin pdfpagecount = quit",
		},
		Inputs:        []protocol.NamedFile{{Name: inputName}},
		CaptureStdout: true,
	}

	res, err := t.send(ctx, spec, []*model.Payload{input}, nil)
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}

	lines := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(lines) == 0 {
		return 0, fmt.Errorf("page count: empty engine output")
	}
	n, err := strconv.Atoi(lines[len(lines)-1])
	if err != nil {
		return 0, fmt.Errorf("parse page count from %q: %w", res.Stdout, err)
	}
	return n, nil
}

// extractRange produces one output document holding pages start..end.
func (t *workerTier) extractRange(ctx context.Context, input *model.Payload, start, end int, onProgress func(int)) ([]byte, error) {
	spec := protocol.ExecSpec{
		Argv: []string{
			"-sDEVICE=pdfwrite",
			"-dNOPAUSE",
			"-dBATCH",
			fmt.Sprintf("-dFirstPage=%d", start),
			fmt.Sprintf("-dLastPage=%d", end),
			"-sOutputFile=" + outputName,
			inputName,
		},
		Inputs:      []protocol.NamedFile{{Name: inputName}},
		OutputFiles: []string{outputName},
	}

	res, err := t.send(ctx, spec, []*model.Payload{input}, onProgress)
	if err != nil {
		return nil, fmt.Errorf("extract pages %d-%d: %w", start, end, err)
	}
	if len(res.Outputs) != 1 {
		return nil, fmt.Errorf("extract pages %d-%d: expected 1 output, got %d", start, end, len(res.Outputs))
	}
	return res.Outputs[0], nil
}

// split runs one engine invocation per output chunk, mapping each call's
// progress into its share of the whole operation.
func (t *workerTier) split(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	p := req.Params.Split
	input := req.Inputs[0]

	var chunks [][2]int
	pages := 0
	switch p.Mode {
	case model.SplitRange:
		chunks = [][2]int{{p.RangeStart, p.RangeEnd}}
		pages = p.RangeEnd - p.RangeStart + 1
	case model.SplitExtract:
		for _, pg := range p.Pages {
			chunks = append(chunks, [2]int{pg, pg})
		}
		pages = len(p.Pages)
	case model.SplitEveryN:
		total, err := t.pageCount(ctx, input)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(5)
		}
		for start := 1; start <= total; start += p.EveryN {
			end := min(start+p.EveryN-1, total)
			chunks = append(chunks, [2]int{start, end})
		}
		pages = total
	}

	outputs := make([][]byte, 0, len(chunks))
	for i, c := range chunks {
		scaled := chunkProgress(onProgress, i, len(chunks))
		out, err := t.extractRange(ctx, input, c[0], c[1], scaled)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	res := finishResult(req, outputs)
	res.PageCount = pages
	return res, nil
}

func (t *workerTier) render(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	p := req.Params.Render
	scale := p.Scale
	if scale <= 0 {
		scale = 1.0
	}
	format := p.Format
	if format == "" {
		format = model.FormatPNG
	}

	device := "png16m"
	out := "output.png"
	if format == model.FormatJPEG {
		device = "jpeg"
		out = "output.jpg"
	}

	spec := protocol.ExecSpec{
		Argv: []string{
			"-sDEVICE=" + device,
			fmt.Sprintf("-r%d", int(72*scale)),
			fmt.Sprintf("-dFirstPage=%d", p.Page),
			fmt.Sprintf("-dLastPage=%d", p.Page),
			"-dNOPAUSE",
			"-dBATCH",
			"-sOutputFile=" + out,
			inputName,
		},
		Inputs:      []protocol.NamedFile{{Name: inputName}},
		OutputFiles: []string{out},
	}

	res, err := t.send(ctx, spec, req.Inputs, onProgress)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", p.Page, err)
	}
	if len(res.Outputs) != 1 {
		return nil, fmt.Errorf("render page %d: expected 1 output, got %d", p.Page, len(res.Outputs))
	}

	result := finishResult(req, res.Outputs)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Outputs[0])); err == nil {
		result.Width = cfg.Width
		result.Height = cfg.Height
	}
	return result, nil
}

// chunkProgress maps a sub-call's 0-100 progress into chunk i's share of k chunks.
func chunkProgress(onProgress func(int), i, k int) func(int) {
	if onProgress == nil {
		return nil
	}
	return func(p int) {
		onProgress((i*100 + p) / k)
	}
}
