package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"marksman/internal/logging"
	"marksman/internal/types"
)

// Renderer turns a PDF into one image per page. maxPages truncates longer
// documents; 0 renders everything.
type Renderer interface {
	RenderPDF(ctx context.Context, pdf []byte, maxPages int) ([]image.Image, error)
}

// PopplerRenderer shells out to pdftoppm. The binary path and DPI come from
// configuration; rendering is bounded by a hard timeout so a hostile PDF
// cannot wedge the preprocess stage.
type PopplerRenderer struct {
	Binary  string // default "pdftoppm"
	DPI     int    // default 150
	Timeout time.Duration
}

// NewPopplerRenderer builds a renderer with defaults filled in.
func NewPopplerRenderer(binary string, dpi int) *PopplerRenderer {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &PopplerRenderer{Binary: binary, DPI: dpi, Timeout: 2 * time.Minute}
}

// RenderPDF writes the PDF to a scratch directory, renders pages to PNG, and
// decodes them in page order.
func (r *PopplerRenderer) RenderPDF(ctx context.Context, pdf []byte, maxPages int) ([]image.Image, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "pdftoppm render")
	defer timer.Stop()

	dir, err := os.MkdirTemp("", "marksman-render-")
	if err != nil {
		return nil, fmt.Errorf("render scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(src, pdf, 0600); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := []string{"-png", "-r", fmt.Sprintf("%d", r.DPI)}
	if maxPages > 0 {
		args = append(args, "-l", fmt.Sprintf("%d", maxPages))
	}
	args = append(args, src, filepath.Join(dir, "page"))

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapErr(types.KindTransientRemote, "pdf render timed out", ctx.Err())
		}
		return nil, types.WrapErr(types.KindValidation,
			fmt.Sprintf("pdftoppm failed: %s", bytes.TrimSpace(stderr.Bytes())), err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read render dir: %w", err)
	}
	var pagePaths []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".png" {
			pagePaths = append(pagePaths, filepath.Join(dir, e.Name()))
		}
	}
	// pdftoppm zero-pads page numbers, so lexical order is page order.
	sort.Strings(pagePaths)
	if len(pagePaths) == 0 {
		return nil, types.E(types.KindValidation, "pdf rendered no pages")
	}

	pages := make([]image.Image, 0, len(pagePaths))
	for _, p := range pagePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %s: %w", p, err)
		}
		img, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode rendered page %s: %w", p, err)
		}
		pages = append(pages, img)
	}
	logging.PipelineDebug("rendered %d pdf pages at %d dpi", len(pages), r.DPI)
	return pages, nil
}

// StubRenderer returns canned pages; tests and the fake provider use it.
type StubRenderer struct {
	Pages []image.Image
	Err   error
}

func (s *StubRenderer) RenderPDF(ctx context.Context, pdf []byte, maxPages int) ([]image.Image, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	pages := s.Pages
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	out := make([]image.Image, len(pages))
	copy(out, pages)
	return out, nil
}
