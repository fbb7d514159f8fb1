package region

import (
	"testing"
)

func newTestExtractor() *Extractor {
	return NewExtractor(DefaultOptions(), nil)
}

func TestExtractDropsLowConfidence(t *testing.T) {
	e := newTestExtractor()
	page := Page{ID: 1}

	regions := e.Extract(page, []RawBlock{
		{Text: "garbled", Box: Box{X: 10, Y: 10, Width: 60, Height: 12}, Confidence: 0.2},
	})
	if len(regions) != 0 {
		t.Fatalf("expected low-confidence block to be dropped, got %+v", regions)
	}
}

func TestExtractEmptyInput(t *testing.T) {
	e := newTestExtractor()

	if got := e.Extract(Page{ID: 0}, nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
	got := e.Extract(Page{ID: 0}, []RawBlock{{Text: "   ", Confidence: 0.9}})
	if len(got) != 0 {
		t.Fatalf("expected whitespace-only block to be dropped, got %+v", got)
	}
}

func TestExtractMergesSameLineContinuation(t *testing.T) {
	e := newTestExtractor()

	regions := e.Extract(Page{ID: 2}, []RawBlock{
		{Text: "world.", Box: Box{X: 70, Y: 101, Width: 50, Height: 12}, Confidence: 0.8},
		{Text: "Hello", Box: Box{X: 10, Y: 100, Width: 52, Height: 12}, Confidence: 1.0},
	})
	if len(regions) != 1 {
		t.Fatalf("expected one merged region, got %d: %+v", len(regions), regions)
	}
	r := regions[0]
	if r.Text != "Hello world." {
		t.Fatalf("unexpected text: %q", r.Text)
	}
	if r.ID != "page-2-region-0" || r.PageID != 2 {
		t.Fatalf("unexpected identity: %s page %d", r.ID, r.PageID)
	}
	if r.Box.X != 10 || r.Box.Right() != 120 {
		t.Fatalf("unexpected box: %+v", r.Box)
	}
	// length-weighted: (5*1.0 + 6*0.8) / 11
	want := (5*1.0 + 6*0.8) / 11
	if diff := r.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %v, want %v", r.Confidence, want)
	}
}

func TestExtractStopsAtTerminalPunctuation(t *testing.T) {
	e := newTestExtractor()

	regions := e.Extract(Page{ID: 0}, []RawBlock{
		{Text: "Chapter 1.", Box: Box{X: 10, Y: 10, Width: 80, Height: 12}, Confidence: 0.9},
		{Text: "It begins", Box: Box{X: 95, Y: 10, Width: 70, Height: 12}, Confidence: 0.9},
	})
	if len(regions) != 2 {
		t.Fatalf("expected two regions, got %d: %+v", len(regions), regions)
	}
	if regions[1].ID != "page-0-region-1" {
		t.Fatalf("unexpected second id: %s", regions[1].ID)
	}
}

func TestExtractMergesWrappedLine(t *testing.T) {
	e := newTestExtractor()

	regions := e.Extract(Page{ID: 0}, []RawBlock{
		{Text: "The quick brown fox jumps", Box: Box{X: 10, Y: 10, Width: 200, Height: 12}, Confidence: 0.9},
		{Text: "over the lazy dog.", Box: Box{X: 10, Y: 26, Width: 150, Height: 12}, Confidence: 0.9},
		{Text: "Far away paragraph", Box: Box{X: 10, Y: 200, Width: 150, Height: 12}, Confidence: 0.9},
	})
	if len(regions) != 2 {
		t.Fatalf("expected two regions, got %d: %+v", len(regions), regions)
	}
	if regions[0].Text != "The quick brown fox jumps over the lazy dog." {
		t.Fatalf("unexpected merged text: %q", regions[0].Text)
	}
	if regions[1].Text != "Far away paragraph" {
		t.Fatalf("unexpected second text: %q", regions[1].Text)
	}
}

func TestExtractDoesNotBridgeDistantBlocks(t *testing.T) {
	e := newTestExtractor()

	regions := e.Extract(Page{ID: 0}, []RawBlock{
		{Text: "left column", Box: Box{X: 10, Y: 10, Width: 80, Height: 12}, Confidence: 0.9},
		{Text: "right column", Box: Box{X: 300, Y: 10, Width: 80, Height: 12}, Confidence: 0.9},
	})
	if len(regions) != 2 {
		t.Fatalf("expected columns to stay apart, got %+v", regions)
	}
}

func TestExtractJoinsCJKWithoutSpace(t *testing.T) {
	e := newTestExtractor()

	regions := e.Extract(Page{ID: 0}, []RawBlock{
		{Text: "深度", Box: Box{X: 10, Y: 10, Width: 24, Height: 12}, Confidence: 0.9},
		{Text: "阅读。", Box: Box{X: 36, Y: 10, Width: 36, Height: 12}, Confidence: 0.9},
	})
	if len(regions) != 1 || regions[0].Text != "深度阅读。" {
		t.Fatalf("unexpected CJK merge: %+v", regions)
	}
}

func TestExtractScalesRasterBoxes(t *testing.T) {
	e := newTestExtractor()
	page := Page{ID: 3, Width: 612, Height: 792, RasterWidth: 1224, RasterHeight: 1584}

	regions := e.Extract(page, []RawBlock{
		{Text: "Scaled", Box: Box{X: 100, Y: 200, Width: 50, Height: 20}, Confidence: 0.9},
	})
	if len(regions) != 1 {
		t.Fatalf("expected one region, got %d", len(regions))
	}
	want := Box{X: 50, Y: 100, Width: 25, Height: 10}
	if regions[0].Box != want {
		t.Fatalf("box = %+v, want %+v", regions[0].Box, want)
	}
}

func TestExtractIdenticalTextSharesFingerprint(t *testing.T) {
	e := newTestExtractor()

	a := e.Extract(Page{ID: 1}, []RawBlock{{Text: "Chapter 1", Box: Box{X: 10, Y: 10, Width: 80, Height: 12}, Confidence: 0.9}})
	b := e.Extract(Page{ID: 7}, []RawBlock{{Text: "CHAPTER   1", Box: Box{X: 300, Y: 500, Width: 90, Height: 14}, Confidence: 0.7}})
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one region per page")
	}
	if a[0].Fingerprint != b[0].Fingerprint {
		t.Fatalf("fingerprints differ: %s vs %s", a[0].Fingerprint, b[0].Fingerprint)
	}
}
