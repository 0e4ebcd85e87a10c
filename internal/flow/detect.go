package flow

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Forward detector patterns. A supplier catalog message matches when any
// pattern fires AND the message carries at least one image or video.
var (
	remainderRe = regexp.MustCompile(`(?i)Remainder\s*\|\s*ETA`)
	requestRe   = regexp.MustCompile(`(?i)Request\s*\|\s*ETA`)
	minPcsRe    = regexp.MustCompile(`(?i)Min\.\s*\d+\s*pcs`)
	nettPriceRe = regexp.MustCompile(`(?i)NETT\s+PRICE`)
	priceTagRe  = regexp.MustCompile(`🏷️\s*Rp`)
)

// separatorGlyphs are the decorative glyphs suppliers use as section
// separators; a cluster of two or more counts as a marker.
var separatorGlyphs = []string{"🌲", "🌳", "🦊", "🍂", "🍁"}

// fgbMarkers identify the FGB catalog format specifically; when one of
// these fires the supplier-choice step can be skipped.
var fgbMarkers = []*regexp.Regexp{remainderRe, requestRe, nettPriceRe}

// Detection is the forward detector verdict.
type Detection struct {
	IsForward bool
	// FGBConfident means the text carries FGB-specific markers and the
	// supplier question is unnecessary.
	FGBConfident bool
}

// DetectForward classifies a message text. hasMedia reflects whether the
// message carries at least one image or video; text-only messages never
// count as forwards.
func DetectForward(text string, hasMedia bool) Detection {
	if !hasMedia {
		return Detection{}
	}
	d := Detection{}
	for _, re := range fgbMarkers {
		if re.MatchString(text) {
			d.IsForward = true
			d.FGBConfident = true
			return d
		}
	}
	if minPcsRe.MatchString(text) || priceTagRe.MatchString(text) {
		d.IsForward = true
		return d
	}
	if hasSeparatorCluster(text) {
		d.IsForward = true
	}
	return d
}

// hasSeparatorCluster reports a run of two or more separator glyphs,
// ignoring whitespace between them.
func hasSeparatorCluster(text string) bool {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, text)
	count := 0
	for len(compact) > 0 {
		matched := false
		for _, g := range separatorGlyphs {
			if strings.HasPrefix(compact, g) {
				count++
				if count >= 2 {
					return true
				}
				compact = compact[len(g):]
				matched = true
				break
			}
		}
		if !matched {
			count = 0
			_, size := utf8.DecodeRuneInString(compact)
			compact = compact[size:]
		}
	}
	return false
}
