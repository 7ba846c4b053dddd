package supervisor

import (
	"regexp"
	"strings"
	"time"
)

var (
	hexPattern    = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b|\b[0-9a-fA-F]{8,}\b`)
	digitPattern  = regexp.MustCompile(`[0-9]+`)
	spacePattern  = regexp.MustCompile(`\s+`)
	maxSignatures = 256
)

// Signature collapses the volatile parts of a failure line so repeats of
// the same failure compare equal.
func Signature(line string) string {
	sig := strings.ToLower(strings.TrimSpace(line))
	sig = hexPattern.ReplaceAllString(sig, "#")
	sig = digitPattern.ReplaceAllString(sig, "#")
	sig = spacePattern.ReplaceAllString(sig, " ")
	return sig
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

type signatureHit struct {
	signature string
	at        time.Time
}

// signatureWindow keeps failure signatures seen within a lookback window.
type signatureWindow struct {
	hits []signatureHit
}

func (w *signatureWindow) add(signature string, at time.Time) {
	w.hits = append(w.hits, signatureHit{signature: signature, at: at})
	if len(w.hits) > maxSignatures {
		w.hits = append([]signatureHit(nil), w.hits[len(w.hits)-maxSignatures:]...)
	}
}

func (w *signatureWindow) prune(cutoff time.Time) {
	kept := w.hits[:0]
	for _, hit := range w.hits {
		if !hit.at.Before(cutoff) {
			kept = append(kept, hit)
		}
	}
	w.hits = kept
}

// repeated returns the most frequent signature with at least threshold hits.
func (w *signatureWindow) repeated(threshold int) (string, int, bool) {
	counts := make(map[string]int, len(w.hits))
	best, bestCount := "", 0
	for _, hit := range w.hits {
		counts[hit.signature]++
		if n := counts[hit.signature]; n > bestCount {
			best, bestCount = hit.signature, n
		}
	}
	if bestCount >= threshold && threshold > 0 {
		return best, bestCount, true
	}
	return "", 0, false
}

func (w *signatureWindow) reset() {
	w.hits = nil
}
