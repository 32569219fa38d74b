package cards

import (
	"bytes"
	"context"
	"image"
	"math/bits"
	"strconv"

	"github.com/disintegration/imaging"

	"cardscan/internal/analysis"
	"cardscan/internal/models"
)

// Scanner is the shipped analysis implementation: it preprocesses a photo
// of cards laid out on a light background, segments the card regions, and
// identifies each region by nearest fingerprint in the catalog.
type Scanner struct {
	catalog *Catalog

	// foregroundThreshold separates card pixels from the light background
	// on the 0-255 luminance scale.
	foregroundThreshold uint8
	// minArea drops specks and glare that segment as tiny regions.
	minArea int
	// maxDistance is the largest fingerprint hamming distance still
	// accepted as a match.
	maxDistance int
}

// NewScanner builds a scanner with defaults tuned for phone photos of
// cards on a table.
func NewScanner(catalog *Catalog) *Scanner {
	return &Scanner{
		catalog:             catalog,
		foregroundThreshold: 200,
		minArea:             1000,
		maxDistance:         10,
	}
}

// Analyze implements analysis.Func. Undecodable input is fatal; catalog
// trouble is retryable. An image with no detected cards yields an empty
// result, not an error.
func (s *Scanner) Analyze(ctx context.Context, data []byte, contentType string) ([]models.Card, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, analysis.Fatalf("decode image (%s): %w", contentType, err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, analysis.Fatalf("image has zero dimensions")
	}

	// Grayscale, soften noise, stretch contrast so the projection profile
	// separates cards from background cleanly.
	gray := imaging.Grayscale(img)
	gray = imaging.Blur(gray, 0.5)
	gray = imaging.AdjustContrast(gray, 10)

	regions := s.segment(gray)
	if len(regions) == 0 {
		return []models.Card{}, nil
	}

	entries, err := s.catalog.Load(ctx)
	if err != nil {
		return nil, analysis.Retryablef("load catalog: %w", err)
	}

	out := make([]models.Card, 0, len(regions))
	for _, r := range regions {
		if err := ctx.Err(); err != nil {
			return nil, analysis.Retryablef("analysis interrupted: %w", err)
		}
		fp := dhash(imaging.Crop(gray, r))
		out = append(out, s.identify(fp, entries))
	}
	return out, nil
}

// segment finds card-sized rectangles via luminance projections: rows with
// enough foreground pixels form horizontal bands, and foreground column
// runs inside each band become candidate regions.
func (s *Scanner) segment(img *image.NRGBA) []image.Rectangle {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	fg := func(x, y int) bool {
		// NRGBA grayscale: R==G==B, so one channel is the luminance.
		return img.NRGBAAt(b.Min.X+x, b.Min.Y+y).R < s.foregroundThreshold
	}

	rowCounts := make([]int, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if fg(x, y) {
				rowCounts[y]++
			}
		}
	}

	minRowHits := w / 50
	if minRowHits < 1 {
		minRowHits = 1
	}

	var regions []image.Rectangle
	for _, band := range runs(rowCounts, minRowHits) {
		colCounts := make([]int, w)
		for x := 0; x < w; x++ {
			for y := band.start; y < band.end; y++ {
				if fg(x, y) {
					colCounts[x]++
				}
			}
		}
		minColHits := (band.end - band.start) / 4
		if minColHits < 1 {
			minColHits = 1
		}
		for _, run := range runs(colCounts, minColHits) {
			r := image.Rect(b.Min.X+run.start, b.Min.Y+band.start, b.Min.X+run.end, b.Min.Y+band.end)
			if keepRegion(r, s.minArea) {
				regions = append(regions, r)
			}
		}
	}
	return regions
}

type span struct {
	start, end int
}

// runs groups consecutive indices whose count meets the threshold,
// tolerating single-index gaps from noise.
func runs(counts []int, threshold int) []span {
	var out []span
	start := -1
	gap := 0
	for i, c := range counts {
		switch {
		case c >= threshold:
			if start < 0 {
				start = i
			}
			gap = 0
		case start >= 0 && gap == 0:
			gap = 1
		case start >= 0:
			out = append(out, span{start: start, end: i - gap})
			start = -1
			gap = 0
		}
	}
	if start >= 0 {
		out = append(out, span{start: start, end: len(counts) - gap})
	}
	return out
}

// keepRegion filters by area and card-like aspect ratio.
func keepRegion(r image.Rectangle, minArea int) bool {
	w, h := r.Dx(), r.Dy()
	if w*h < minArea || h == 0 {
		return false
	}
	ar := float64(w) / float64(h)
	return ar > 0.5 && ar < 1.5
}

// identify returns the closest catalog entry within the distance budget, or
// an unmatched card with zero confidence.
func (s *Scanner) identify(fp uint64, entries []CatalogEntry) models.Card {
	bestDist := 65
	var best CatalogEntry
	for _, e := range entries {
		ref, err := strconv.ParseUint(e.Fingerprint, 16, 64)
		if err != nil {
			continue
		}
		if d := bits.OnesCount64(fp ^ ref); d < bestDist {
			bestDist = d
			best = e
		}
	}
	if bestDist > s.maxDistance {
		return models.Card{}
	}
	return models.Card{
		Name:       best.Name,
		SetCode:    best.SetCode,
		Confidence: 1 - float64(bestDist)/64,
	}
}

// Fingerprint computes the dHash for an image, exposed so catalog builders
// can fingerprint reference scans with the same function the scanner uses.
func Fingerprint(img image.Image) string {
	return strconv.FormatUint(dhash(img), 16)
}

// dhash is a 64-bit difference hash: scale to 9x8 and record whether each
// pixel is brighter than its right neighbor.
func dhash(img image.Image) uint64 {
	small := imaging.Grayscale(imaging.Resize(img, 9, 8, imaging.Lanczos))
	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.NRGBAAt(x, y).R
			right := small.NRGBAAt(x+1, y).R
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return hash
}
