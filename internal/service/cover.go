package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	coverPath     = "artifacts/cover.jpg"
	coverMaxWidth = 640
)

// stageCover renders a downscaled JPEG of the first image as the job cover.
func stageCover(ctx context.Context, st *staging, data []byte) error {
	cover, err := renderCover(data, coverMaxWidth)
	if err != nil {
		return err
	}
	if _, err := st.write(ctx, coverPath, bytes.NewReader(cover)); err != nil {
		return fmt.Errorf("failed to store cover: %w", err)
	}
	return nil
}

func renderCover(data []byte, maxWidth int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cover source: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	if h < 1 {
		h = 1
	}

	// Draw onto white so transparent PNG and WebP sources stay readable as JPEG.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode cover: %w", err)
	}
	return buf.Bytes(), nil
}
