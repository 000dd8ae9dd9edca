package hashing

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pandabackup/panda-match/pkg/utils"
)

// decodeImage decodes r and composites any transparency over white.
func decodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrImageDecode, err)
	}
	return flattenAlpha(img), nil
}

func flattenAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, image.White, image.Point{}, draw.Src)
	draw.Draw(canvas, b, img, b.Min, draw.Over)
	return canvas
}

type hashFunc func(image.Image) (*goimagehash.ImageHash, error)

// hexHash runs fn and formats the 64-bit result as 16 lowercase hex digits.
func hexHash(fn hashFunc, img image.Image) (string, error) {
	h, err := fn(img)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrImageDecode, err)
	}
	return fmt.Sprintf("%016x", h.GetHash()), nil
}

// PHash is the DCT perceptual hash of img.
func PHash(img image.Image) (string, error) { return hexHash(goimagehash.PerceptionHash, img) }

// AHash marks pixels of an 8x8 luma thumbnail brighter than the mean.
func AHash(img image.Image) (string, error) { return hexHash(goimagehash.AverageHash, img) }

// DHash compares horizontally adjacent pixels of a 9x8 luma thumbnail.
func DHash(img image.Image) (string, error) { return hexHash(goimagehash.DifferenceHash, img) }

// WriteThumbnail decodes an image, scales it to width keeping the aspect ratio and
// writes it as JPEG to dst.
func WriteThumbnail(r io.Reader, width int, dst string) error {
	img, err := decodeImage(r)
	if err != nil {
		return err
	}
	if width <= 0 {
		width = 200
	}
	thumb := resize.Resize(uint(width), 0, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("%w: encoding thumbnail: %w", utils.ErrImageDecode, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	return nil
}
