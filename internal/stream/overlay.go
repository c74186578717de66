package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"seedeep/internal/pipeline"
)

// palette colors boxes per model, in sorted model order
var palette = []color.RGBA{
	{255, 0, 0, 255},   // red
	{0, 200, 255, 255}, // cyan
	{255, 165, 0, 255}, // orange
	{160, 32, 240, 255},
	{255, 255, 0, 255},
	{0, 128, 255, 255},
}

var trackColor = color.RGBA{0, 255, 0, 255}

// drawOverlays draws every model's boxes and the tracked ids on a JPEG
// frame. The frame is returned unchanged if it cannot be decoded.
func drawOverlays(jpegData []byte, results pipeline.Results) []byte {
	// Decode JPEG
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	// Convert to RGBA for drawing
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	models := make([]string, 0, len(results))
	for name := range results {
		if name != pipeline.TrackingKey {
			models = append(models, name)
		}
	}
	sort.Strings(models)

	for i, name := range models {
		res, ok := results.Model(name)
		if !ok {
			continue
		}
		c := palette[i%len(palette)]
		for _, det := range res.Detections {
			x, y := int(det.X1), int(det.Y1)
			drawBox(rgba, x, y, int(det.X2-det.X1), int(det.Y2-det.Y1), c, 2)
			drawLabel(rgba, x, y-15, fmt.Sprintf("%s %.0f%%", det.Label, det.Confidence*100), c)
		}
	}

	if tracking, ok := results.Tracking(); ok {
		for _, obj := range tracking.TrackedObjects {
			label := "#" + obj.TrackID
			if obj.SpeedResult != nil && obj.SpeedKmh != nil {
				label = fmt.Sprintf("%s %.1f km/h", label, *obj.SpeedKmh)
			}
			drawLabel(rgba, int(obj.Centroid[0]), int(obj.Centroid[1]), label, trackColor)
		}
	}

	// Encode back to JPEG
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}

	return buf.Bytes()
}

// drawBox draws a rectangle on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		// Top edge
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= 0 && y+t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+t, c)
			}
		}
		// Bottom edge
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+h-t >= 0 && y+h-t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+h-t, c)
			}
		}
		// Left edge
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= 0 && x+t < bounds.Max.X && j >= 0 {
				img.Set(x+t, j, c)
			}
		}
		// Right edge
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+w-t >= 0 && x+w-t < bounds.Max.X && j >= 0 {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

// drawLabel draws text on a dark background with its top-left corner at x,y
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	// Draw background rectangle for text
	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bgColor)
			}
		}
	}

	// Draw text
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
