/**
 * Region Extractor
 *
 * Turns raw OCR blocks of one page into ordered, fingerprinted text regions:
 * 1. Drop blocks below the confidence threshold or without text
 * 2. Scale raster boxes to page units
 * 3. Group blocks into lines and order them for reading
 * 4. Merge sentence continuations (same line or wrapped to the next line)
 */

package region

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
)

// Options tune the merge heuristic. Thresholds are heuristics, not a contract.
type Options struct {
	// MinConfidence drops blocks scoring below it
	MinConfidence float64
	// Proximity is the largest gap, in page units, bridged by a merge
	Proximity float64
	// MinOverlap is the minimum overlap ratio (of the shorter extent) between merge candidates
	MinOverlap float64
}

// DefaultOptions mirror the configuration defaults
func DefaultOptions() Options {
	return Options{MinConfidence: 0.5, Proximity: 12, MinOverlap: 0.5}
}

// Extractor is a pure transform from OCR blocks to regions
type Extractor struct {
	opts   Options
	logger *logging.Logger
}

// NewExtractor creates an extractor; a nil logger discards debug output
func NewExtractor(opts Options, logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Extractor{opts: opts, logger: logger}
}

type fragment struct {
	text       string
	box        Box
	confidence float64
}

// Extract produces the page's regions in reading order. Malformed or empty
// input yields an empty slice.
func (e *Extractor) Extract(page Page, blocks []RawBlock) []TextRegion {
	sx, sy := page.scale()

	kept := make([]fragment, 0, len(blocks))
	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" || math.IsNaN(b.Confidence) || b.Box.Width < 0 || b.Box.Height < 0 {
			continue
		}
		if b.Confidence < e.opts.MinConfidence {
			e.logger.Debug("Dropping OCR block",
				"page", page.ID,
				"reason", errors.NewLowConfidenceError(b.Confidence, e.opts.MinConfidence).Message)
			continue
		}
		kept = append(kept, fragment{text: text, box: b.Box.Scale(sx, sy), confidence: b.Confidence})
	}
	if len(kept) == 0 {
		return []TextRegion{}
	}

	ordered := e.readingOrder(kept)

	regions := make([]TextRegion, 0, len(ordered))
	cur := ordered[0]
	last := ordered[0].box
	weight := float64(utf8.RuneCountInString(cur.text))
	confSum := cur.confidence * weight

	flush := func() {
		if Normalize(cur.text) == "" {
			return
		}
		conf := cur.confidence
		if weight > 0 {
			conf = confSum / weight
		}
		regions = append(regions, TextRegion{
			ID:          RegionID(page.ID, len(regions)),
			PageID:      page.ID,
			Box:         cur.box,
			Text:        cur.text,
			Confidence:  conf,
			Fingerprint: FingerprintOf(cur.text),
		})
	}

	for _, next := range ordered[1:] {
		if e.continues(cur, last, next) {
			w := float64(utf8.RuneCountInString(next.text))
			cur.text = joinText(cur.text, next.text)
			cur.box = cur.box.Union(next.box)
			confSum += next.confidence * w
			weight += w
			last = next.box
			continue
		}
		flush()
		cur = next
		last = next.box
		weight = float64(utf8.RuneCountInString(cur.text))
		confSum = cur.confidence * weight
	}
	flush()

	return regions
}

// readingOrder groups fragments into lines (top to bottom) and sorts each line left to right
func (e *Extractor) readingOrder(frags []fragment) []fragment {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].box.Y != frags[j].box.Y {
			return frags[i].box.Y < frags[j].box.Y
		}
		return frags[i].box.X < frags[j].box.X
	})

	type line struct {
		box   Box
		items []fragment
	}
	var lines []*line
	for _, f := range frags {
		var target *line
		for _, l := range lines {
			if overlapRatio(l.box.Y, l.box.Bottom(), f.box.Y, f.box.Bottom()) >= e.opts.MinOverlap {
				target = l
				break
			}
		}
		if target == nil {
			lines = append(lines, &line{box: f.box, items: []fragment{f}})
			continue
		}
		target.box = target.box.Union(f.box)
		target.items = append(target.items, f)
	}

	out := make([]fragment, 0, len(frags))
	for _, l := range lines {
		sort.SliceStable(l.items, func(i, j int) bool { return l.items[i].box.X < l.items[j].box.X })
		out = append(out, l.items...)
	}
	return out
}

// continues reports whether next reads as a continuation of cur, whose most
// recently merged fragment sits at last.
func (e *Extractor) continues(cur fragment, last Box, next fragment) bool {
	if endsSentence(cur.text) {
		return false
	}

	sameLine := overlapRatio(last.Y, last.Bottom(), next.box.Y, next.box.Bottom()) >= e.opts.MinOverlap
	if sameLine {
		gap := next.box.X - last.Right()
		return gap <= e.opts.Proximity
	}

	// wrapped onto the following line
	if next.box.Y < last.Y {
		return false
	}
	vgap := next.box.Y - cur.box.Bottom()
	if vgap > e.opts.Proximity {
		return false
	}
	return overlapRatio(cur.box.X, cur.box.Right(), next.box.X, next.box.Right()) >= e.opts.MinOverlap
}

// overlapRatio is the overlap of [a0,a1] and [b0,b1] relative to the shorter span
func overlapRatio(a0, a1, b0, b1 float64) float64 {
	shorter := minf(a1-a0, b1-b0)
	if shorter <= 0 {
		return 0
	}
	ov := minf(a1, b1) - maxf(a0, b0)
	if ov <= 0 {
		return 0
	}
	return ov / shorter
}

var closers = "\"'”’)]）」』"

func endsSentence(text string) bool {
	t := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(closers, r)
	})
	if t == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(t)
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}

// joinText concatenates fragments, without a space across CJK boundaries
func joinText(a, b string) string {
	ra, _ := utf8.DecodeLastRuneInString(a)
	rb, _ := utf8.DecodeRuneInString(b)
	if isCJK(ra) || isCJK(rb) {
		return a + b
	}
	if strings.HasSuffix(a, "-") && unicode.IsLower(rb) {
		return strings.TrimSuffix(a, "-") + b
	}
	return a + " " + b
}
