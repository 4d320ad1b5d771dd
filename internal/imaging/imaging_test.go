package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marksman/internal/types"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	return buf.Bytes()
}

func TestDetectKind(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7\n..."), KindPDF},
		{"png", pngBytes(t), KindPNG},
		{"jpeg", jpegBytes(t), KindJPEG},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBP"), make([]byte, 8)...), KindWEBP},
		{"text", []byte("hello"), KindUnknown},
		{"empty", nil, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectKind(tc.data))
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	img, err := Decode(pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	img, err = Decode(jpegBytes(t))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestDecodeRejectsUnsupported(t *testing.T) {
	_, err := Decode([]byte("not an image"))
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestPDFPageCount(t *testing.T) {
	pdf := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Pages /Kids [2 0 R] /Count 93 >>\nendobj")
	assert.Equal(t, 93, PDFPageCount(pdf))
	assert.Equal(t, 0, PDFPageCount([]byte("%PDF-1.4\nno count here")))
}

func TestNormalizeStretchesContrast(t *testing.T) {
	// Low-contrast source: values in [100, 150].
	src := image.NewGray(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			src.SetGray(x, y, color.Gray{Y: uint8(100 + x*5)})
		}
	}
	out := Normalize(src).(*image.Gray)
	assert.Equal(t, uint8(0), out.GrayAt(0, 0).Y, "darkest pixel maps to 0")
	assert.Equal(t, uint8(255), out.GrayAt(9, 0).Y, "brightest pixel maps to 255")
}

func TestNormalizeFlatPageUnchanged(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	out := Normalize(src)
	require.NotNil(t, out)
	assert.Equal(t, src.Bounds(), out.Bounds())
}

func TestNormalizeBoundsLongEdge(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4096, 100))
	out := Normalize(src)
	assert.LessOrEqual(t, out.Bounds().Dx(), normalizeMaxEdge)
}

func TestNormalizeNilIsTotal(t *testing.T) {
	assert.Nil(t, Normalize(nil))
}

func TestStubRendererTruncates(t *testing.T) {
	stub := &StubRenderer{Pages: []image.Image{
		image.NewGray(image.Rect(0, 0, 1, 1)),
		image.NewGray(image.Rect(0, 0, 1, 1)),
		image.NewGray(image.Rect(0, 0, 1, 1)),
	}}
	pages, err := stub.RenderPDF(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestEncodePNGRoundTrip(t *testing.T) {
	data, err := EncodePNG(image.NewGray(image.Rect(0, 0, 3, 3)))
	require.NoError(t, err)
	assert.Equal(t, KindPNG, DetectKind(data))
}
