package summary

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bher20/countryrates/internal/countries"
)

const (
	Width  = 800
	Height = 600
	// TopN is the number of countries listed by estimated GDP.
	TopN = 5

	headerHeight = 90
)

var (
	background = color.RGBA{0xf7, 0xf8, 0xfa, 0xff}
	headerFill = color.RGBA{0x1f, 0x3a, 0x5f, 0xff}
	ink        = color.RGBA{0x22, 0x22, 0x22, 0xff}
	muted      = color.RGBA{0x66, 0x6b, 0x73, 0xff}
	white      = color.RGBA{0xff, 0xff, 0xff, 0xff}
)

// ErrNotFound is returned when no summary image has been rendered yet.
var ErrNotFound = errors.New("summary image not found")

// Summary is the data shown on the image.
type Summary struct {
	TotalCountries  int
	Top             []countries.EnrichedCountry
	LastRefreshedAt *time.Time
}

// FromSnapshot builds a Summary from a scanned snapshot and its metadata.
func FromSnapshot(records []countries.EnrichedCountry, md countries.RefreshMetadata) Summary {
	return Summary{
		TotalCountries:  md.TotalCountries,
		Top:             countries.TopByGDP(records, TopN),
		LastRefreshedAt: md.LastRefreshedAt,
	}
}

// Draw renders s onto a new RGBA image.
func Draw(s Summary) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, Width, headerHeight), image.NewUniform(headerFill), image.Point{}, draw.Src)

	text(img, "Country Summary", 30, 28, 3, white)

	y := headerHeight + 40
	text(img, fmt.Sprintf("Total countries: %d", s.TotalCountries), 30, y, 2, ink)

	y += 55
	text(img, fmt.Sprintf("Top %d countries by estimated GDP", TopN), 30, y, 2, ink)
	y += 45
	if len(s.Top) == 0 {
		text(img, "No GDP estimates available", 50, y, 2, muted)
	}
	for i, c := range s.Top {
		line := fmt.Sprintf("%d. %s", i+1, c.Name)
		text(img, truncate(line, 34), 50, y, 2, ink)
		if c.EstimatedGDP != nil {
			text(img, formatAmount(*c.EstimatedGDP), 520, y, 2, muted)
		}
		y += 40
	}

	stamp := "Last refreshed: never"
	if s.LastRefreshedAt != nil {
		stamp = "Last refreshed: " + s.LastRefreshedAt.UTC().Format(time.RFC3339)
	}
	text(img, stamp, 30, Height-45, 2, muted)
	return img
}

// Encode writes s as a PNG.
func Encode(w io.Writer, s Summary) error {
	return png.Encode(w, Draw(s))
}

// WriteFile renders s to path. The image is written to a temporary file in
// the same directory and renamed into place, so readers never see a partial
// PNG.
func WriteFile(path string, s Summary) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".summary-*.png")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, s); err != nil {
		tmp.Close()
		return fmt.Errorf("encode image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp image: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Open opens the rendered image at path. It returns ErrNotFound when no
// image has been written yet.
func Open(path string) (*os.File, error) {
	if path == "" {
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// text draws s with the top-left corner at (x, y). basicfont only comes in
// one size, so larger text is rendered at 1x and scaled up.
func text(dst draw.Image, s string, x, y, scale int, c color.Color) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	h := face.Metrics().Height.Ceil()
	if w == 0 {
		return
	}

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  src,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)

	target := image.Rect(x, y, x+w*scale, y+h*scale)
	draw.NearestNeighbor.Scale(dst, target, src, src.Bounds(), draw.Over, nil)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// formatAmount renders v with thousands separators and two decimals.
func formatAmount(v float64) string {
	return message.NewPrinter(language.English).Sprintf("%.2f", v)
}
