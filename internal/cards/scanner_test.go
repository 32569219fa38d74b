package cards

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"cardscan/internal/analysis"
)

// drawSheet paints two card-sized rectangles on a white background: one
// uniform dark card and one with vertical stripes, so their fingerprints
// differ clearly.
func drawSheet() *image.NRGBA {
	sheet := imaging.New(400, 300, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	fill := func(r image.Rectangle, pick func(x int) uint8) {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				v := pick(x)
				sheet.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
			}
		}
	}
	fill(image.Rect(30, 40, 130, 180), func(int) uint8 { return 60 })
	fill(image.Rect(220, 40, 320, 180), func(x int) uint8 {
		if (x/20)%2 == 0 {
			return 40
		}
		return 150
	})
	return sheet
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// preprocess mirrors the scanner's pipeline so the test can fingerprint
// the exact regions the scanner will see.
func preprocess(img image.Image) *image.NRGBA {
	gray := imaging.Grayscale(img)
	gray = imaging.Blur(gray, 0.5)
	return imaging.AdjustContrast(gray, 10)
}

func catalogServer(t *testing.T, entries []CatalogEntry) *httptest.Server {
	t.Helper()
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}))
}

func TestScannerIdentifiesCards(t *testing.T) {
	sheet := drawSheet()

	// Segment the processed sheet the way the scanner will, and register
	// each region's fingerprint in the catalog.
	scanner := NewScanner(nil)
	regions := scanner.segment(preprocess(sheet))
	if len(regions) != 2 {
		t.Fatalf("expected 2 card regions, got %d: %v", len(regions), regions)
	}

	names := []string{"Elsa - Snow Queen", "Mickey Mouse - Brave Little Tailor"}
	entries := make([]CatalogEntry, 0, len(regions))
	for i, r := range regions {
		entries = append(entries, CatalogEntry{
			Name:        names[i],
			SetCode:     "TFC",
			Fingerprint: Fingerprint(imaging.Crop(preprocess(sheet), r)),
		})
	}

	srv := catalogServer(t, entries)
	defer srv.Close()
	scanner.catalog = NewCatalog(nil, srv.URL, time.Second, time.Minute)

	cards, err := scanner.Analyze(context.Background(), encodePNG(t, sheet), "image/png")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	for i, card := range cards {
		if card.Name != names[i] {
			t.Fatalf("card %d: expected %q, got %q", i, names[i], card.Name)
		}
		if card.Confidence < 0.9 {
			t.Fatalf("card %d: expected high confidence, got %f", i, card.Confidence)
		}
	}
}

func TestScannerEmptySheet(t *testing.T) {
	blank := imaging.New(200, 200, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	// Catalog deliberately unreachable: no regions means no lookup.
	scanner := NewScanner(NewCatalog(nil, "http://127.0.0.1:0/cards.json", time.Second, time.Minute))
	cards, err := scanner.Analyze(context.Background(), encodePNG(t, blank), "image/png")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("expected no cards, got %d", len(cards))
	}
}

func TestScannerUndecodableInputIsFatal(t *testing.T) {
	scanner := NewScanner(nil)
	_, err := scanner.Analyze(context.Background(), []byte("definitely not an image"), "image/png")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !analysis.Fatal(err) {
		t.Fatalf("undecodable input must be fatal, got %v", err)
	}
}

func TestScannerCatalogOutageIsRetryable(t *testing.T) {
	srv := catalogServer(t, nil)
	srv.Close() // dead upstream

	scanner := NewScanner(NewCatalog(nil, srv.URL, time.Second, time.Minute))
	_, err := scanner.Analyze(context.Background(), encodePNG(t, drawSheet()), "image/png")
	if err == nil {
		t.Fatalf("expected error")
	}
	if analysis.Fatal(err) {
		t.Fatalf("catalog outage must be retryable, got %v", err)
	}
}

func TestUnknownCardReportedUnmatched(t *testing.T) {
	sheet := drawSheet()
	scanner := NewScanner(nil)
	regions := scanner.segment(preprocess(sheet))
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(regions))
	}

	// Catalog only knows the first card; the striped card's fingerprint is
	// far from the uniform one, so it cannot accidentally match.
	entries := []CatalogEntry{
		{Name: "Elsa - Snow Queen", SetCode: "TFC", Fingerprint: Fingerprint(imaging.Crop(preprocess(sheet), regions[0]))},
	}
	srv := catalogServer(t, entries)
	defer srv.Close()
	scanner.catalog = NewCatalog(nil, srv.URL, time.Second, time.Minute)

	cards, err := scanner.Analyze(context.Background(), encodePNG(t, sheet), "image/png")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].Name == "" {
		t.Fatalf("first card should match the catalog")
	}
	if cards[1].Name != "" || cards[1].Confidence != 0 {
		t.Fatalf("second card should be unmatched, got %+v", cards[1])
	}
}
