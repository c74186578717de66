package services

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"

	"seedeep/internal/calibration"
)

const frameQuality = 85

func isCalibrationError(err error) bool {
	return errors.Is(err, calibration.ErrNotCalibrated) || errors.Is(err, calibration.ErrUnsupportedMode)
}

// limitWidth downscales a JPEG wider than maxWidth, keeping the aspect
// ratio, and returns the resulting frame and its size
func limitWidth(data []byte, maxWidth int) ([]byte, int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	if cfg.Width <= maxWidth {
		return data, cfg.Width, cfg.Height, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	width := maxWidth
	height := cfg.Height * maxWidth / cfg.Width

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: frameQuality}); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), width, height, nil
}
