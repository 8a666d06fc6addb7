package calibration

import (
	"errors"
	"fmt"
	"image"
	"math"
	"regexp"
	"strconv"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

var (
	ErrNotFound       = errors.New("calibration failed")
	ErrUnexpectedCode = errors.New("unexpected QR code")
)

var markerPattern = regexp.MustCompile(`^vbox-robot://(\d+)/(\d+)$`)

const (
	// finder pattern centers sit 3.5 modules inside the code
	finderMargin = 3.5
	cropRadius   = 50
)

// Offset is where the overlay origin was found in the screenshot. QRCodeX
// and QRCodeY locate the decoded marker.
type Offset struct {
	X       int  `json:"x"`
	Y       int  `json:"y"`
	QRCodeX *int `json:"qrCodeX,omitempty"`
	QRCodeY *int `json:"qrCodeY,omitempty"`
}

type moduleSizer interface {
	GetEstimatedModuleSize() float64
}

// FindViewport decodes a QR marker drawn with one pixel modules and returns
// the offset between the position encoded in the marker and the position
// it was found at.
//
// Several markers in one frame confuse the detector. When the whole frame
// cannot be decoded, decoding is retried in a window around each finder
// pattern candidate found by the first attempt.
func FindViewport(img *image.NRGBA) (Offset, error) {
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(luminance(img)))
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var candidates []gozxing.ResultPoint
	hints := map[gozxing.DecodeHintType]any{
		gozxing.DecodeHintType_TRY_HARDER: true,
		gozxing.DecodeHintType_NEED_RESULT_POINT_CALLBACK: gozxing.ResultPointCallback(func(p gozxing.ResultPoint) {
			if fp, ok := p.(moduleSizer); ok && fp.GetEstimatedModuleSize() == 1 {
				candidates = append(candidates, p)
			}
		}),
	}

	reader := qrcode.NewQRCodeReader()
	res, err := reader.Decode(bmp, hints)
	if err == nil {
		return offset(res, 0, 0)
	}
	decodeErr := err

	b := img.Bounds()
	for _, p := range candidates {
		x1 := max(0, int(math.Floor(p.GetX()-cropRadius)))
		y1 := max(0, int(math.Floor(p.GetY()-cropRadius)))
		x2 := min(b.Dx(), int(math.Floor(p.GetX()+cropRadius)))
		y2 := min(b.Dy(), int(math.Floor(p.GetY()+cropRadius)))
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		crop, err := bmp.Crop(x1, y1, x2-x1, y2-y1)
		if err != nil {
			continue
		}
		res, err := reader.DecodeWithoutHints(crop)
		if err != nil {
			continue
		}
		return offset(res, x1, y1)
	}
	return Offset{}, fmt.Errorf("%w: no QR code decoded: %w", ErrNotFound, decodeErr)
}

// offset computes the calibration from a decoded marker found in a window
// at dx, dy.
func offset(res *gozxing.Result, dx, dy int) (Offset, error) {
	text := res.GetText()
	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return Offset{}, fmt.Errorf("%w: %q", ErrUnexpectedCode, text)
	}
	wantX, err := strconv.Atoi(m[1])
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %q", ErrUnexpectedCode, text)
	}
	wantY, err := strconv.Atoi(m[2])
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %q", ErrUnexpectedCode, text)
	}

	points := res.GetResultPoints()
	if len(points) == 0 {
		return Offset{}, fmt.Errorf("%w: no result points", ErrNotFound)
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		x, y := float64(dx)+p.GetX(), float64(dy)+p.GetY()
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	left := int(math.Floor(minX - finderMargin))
	top := int(math.Floor(minY - finderMargin))
	right := int(math.Floor(maxX + finderMargin))
	bottom := int(math.Floor(maxY + finderMargin))

	cx := int(math.Floor(float64(left+right) / 2))
	cy := int(math.Floor(float64(top+bottom) / 2))
	return Offset{
		X:       left - wantX,
		Y:       top - wantY,
		QRCodeX: &cx,
		QRCodeY: &cy,
	}, nil
}

// luminance averages the color channels of every pixel.
func luminance(img *image.NRGBA) gozxing.LuminanceSource {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			p := img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y):]
			gray.Pix[gray.PixOffset(x, y)] = uint8((int(p[0]) + int(p[1]) + int(p[2])) / 3)
		}
	}
	return gozxing.NewLuminanceSourceFromImage(gray)
}
