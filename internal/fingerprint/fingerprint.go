// Package fingerprint computes the deterministic digests used as cache and
// dedup keys: a stable hash of normalised rubric text, a perceptual hash of
// page images, and the combined grading-unit fingerprint. All functions are
// pure and total; no input is rejected.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/image/draw"
)

// Rubric returns a stable 64-hex digest of the rubric text. Runs of Unicode
// whitespace collapse to a single space before hashing so that re-extracted
// text with different line wrapping keys identically.
func Rubric(text string) string {
	normalised := strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:])
}

// dHash geometry: 9 columns compared pairwise into 8 bits per row.
const (
	dhashWidth  = 9
	dhashHeight = 8
)

// Image returns a perceptual difference-hash of the image, rendered as
// "dh1:" plus 16 hex characters. The hash compares horizontal neighbour
// luminance on an 8x8 grid, so minor re-encoding artefacts do not change it.
// A nil image hashes to the all-zero digest.
func Image(img image.Image) string {
	var bits uint64
	if img != nil {
		gray := scaleGray(img)
		bit := 0
		for y := 0; y < dhashHeight; y++ {
			for x := 0; x < dhashWidth-1; x++ {
				if gray.GrayAt(x, y).Y > gray.GrayAt(x+1, y).Y {
					bits |= 1 << uint(63-bit)
				}
				bit++
			}
		}
	}
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> uint(56-8*i))
	}
	return "dh1:" + hex.EncodeToString(buf[:])
}

// scaleGray reduces the image to the dHash comparison grid.
func scaleGray(img image.Image) *image.Gray {
	small := image.NewRGBA(image.Rect(0, 0, dhashWidth, dhashHeight))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	gray := image.NewGray(small.Bounds())
	for y := 0; y < dhashHeight; y++ {
		for x := 0; x < dhashWidth; x++ {
			gray.SetGray(x, y, color.GrayModel.Convert(small.At(x, y)).(color.Gray))
		}
	}
	return gray
}

// Unit combines a rubric fingerprint with a set of image fingerprints into
// the grading-unit fingerprint. Image fingerprints are sorted first so page
// enumeration order does not change the key.
func Unit(rubricFP string, imageFPs []string) string {
	sorted := make([]string, len(imageFPs))
	copy(sorted, imageFPs)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(rubricFP))
	for _, fp := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil))
}
