// Package imaging handles document decoding and page-image preparation:
// upload kind sniffing, JPEG/PNG/WEBP decoding, PDF page rendering through
// an external renderer, and the pure normalisation transform applied before
// fingerprinting.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"regexp"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"marksman/internal/types"
)

// Kind names for DetectKind.
const (
	KindPDF     = "pdf"
	KindJPEG    = "jpeg"
	KindPNG     = "png"
	KindWEBP    = "webp"
	KindUnknown = ""
)

// DetectKind sniffs the document kind from magic bytes. Returns KindUnknown
// for unsupported content.
func DetectKind(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return KindPDF
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return KindJPEG
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return KindPNG
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return KindWEBP
	default:
		return KindUnknown
	}
}

// Decode decodes a single-image document of a supported kind.
func Decode(data []byte) (image.Image, error) {
	switch DetectKind(data) {
	case KindJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, types.WrapErr(types.KindValidation, "undecodable jpeg", err)
		}
		return img, nil
	case KindPNG:
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, types.WrapErr(types.KindValidation, "undecodable png", err)
		}
		return img, nil
	case KindWEBP:
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, types.WrapErr(types.KindValidation, "undecodable webp", err)
		}
		return img, nil
	case KindPDF:
		return nil, types.E(types.KindValidation, "pdf requires a page renderer")
	default:
		return nil, types.E(types.KindValidation, "unsupported document kind")
	}
}

// EncodePNG renders an image back to PNG bytes for the model gateway's
// inline image parts.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// countRe matches page-tree count declarations in the PDF catalog.
var countRe = regexp.MustCompile(`/Count\s+(\d+)`)

// PDFPageCount reads the declared page count from the PDF's page tree
// without rendering. Returns 0 when no declaration is found; callers then
// fall back to rendering with a page cap.
func PDFPageCount(data []byte) int {
	max := 0
	for _, m := range countRe.FindAllSubmatch(data, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > max {
			max = n
		}
	}
	return max
}

// normalizeMaxEdge bounds page images before fingerprinting and model calls.
const normalizeMaxEdge = 2048

// Normalize is the pure preprocess transform: a contrast stretch over the
// luminance range plus a bounded downscale. Deskew and denoise beyond this
// are externalised.
func Normalize(img image.Image) image.Image {
	if img == nil {
		return nil
	}
	img = boundScale(img)

	b := img.Bounds()
	gray := image.NewGray(b)
	minY, maxY := uint8(255), uint8(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			gray.SetGray(x, y, g)
			if g.Y < minY {
				minY = g.Y
			}
			if g.Y > maxY {
				maxY = g.Y
			}
		}
	}
	if maxY <= minY {
		return gray // flat page; nothing to stretch
	}
	span := int(maxY) - int(minY)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := int(gray.GrayAt(x, y).Y)
			gray.SetGray(x, y, color.Gray{Y: uint8((v - int(minY)) * 255 / span)})
		}
	}
	return gray
}

// boundScale downsizes so the longest edge is at most normalizeMaxEdge.
func boundScale(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= normalizeMaxEdge {
		return img
	}
	scale := float64(normalizeMaxEdge) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
