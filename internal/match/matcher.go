// Package match resolves free-text queries to listings. It is the fuzzy
// resolver behind search and buy-by-description flows.
package match

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/opentrove/trove/internal/model"
)

// Score weights. Exact title matches dominate so that a corpus containing
// both an exact and a partial match always resolves to the exact one.
const (
	scoreExactTitle    = 10
	scoreTitlePrefix   = 5
	scoreTitleContains = 3
	scoreDescContains  = 1
	weightTitleWord    = 2
	weightDescWord     = 1
)

// FindBestMatch resolves a query against active listings. Resolution order:
// exact listing id, exact case-insensitive title, then a scored loose match
// over titles and descriptions. Returns nil when nothing matches or the
// query is empty after normalization. Ties keep the first encountered.
func FindBestMatch(query string, listings []*model.Listing) *model.Listing {
	if id := strings.TrimSpace(query); isListingID(id) {
		for _, l := range listings {
			if l.ListingID == id && l.Status == model.ListingStatusActive {
				return l
			}
		}
	}

	q := Normalize(query)
	if q == "" {
		return nil
	}
	lower := strings.ToLower(q)

	for _, l := range listings {
		if l.Status == model.ListingStatusActive && strings.ToLower(l.Title) == lower {
			return l
		}
	}

	words := strings.Fields(lower)
	wordPatterns := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		wordPatterns = append(wordPatterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(w)+`\b`))
	}

	var best *model.Listing
	bestScore := 0
	for _, l := range listings {
		if l.Status != model.ListingStatusActive {
			continue
		}
		s := score(lower, wordPatterns, l)
		if s > bestScore {
			best, bestScore = l, s
		}
	}
	return best
}

func score(query string, words []*regexp.Regexp, l *model.Listing) int {
	title := strings.ToLower(l.Title)
	desc := strings.ToLower(l.Description)

	s := 0
	switch {
	case title == query:
		s += scoreExactTitle
	case strings.HasPrefix(title, query):
		s += scoreTitlePrefix
	case strings.Contains(title, query):
		s += scoreTitleContains
	}
	if strings.Contains(desc, query) {
		s += scoreDescContains
	}
	for _, w := range words {
		if w.MatchString(title) {
			s += weightTitleWord
		}
		if w.MatchString(desc) {
			s += weightDescWord
		}
	}
	// A bare word-weight score of zero means neither the phrase nor any of
	// its words appear anywhere; treat as no match.
	return s
}

// Normalize strips wrapping quotes and surrounding whitespace from a query.
func Normalize(query string) string {
	q := strings.TrimSpace(query)
	for len(q) >= 2 {
		first, last := q[0], q[len(q)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			q = strings.TrimSpace(q[1 : len(q)-1])
			continue
		}
		break
	}
	return q
}

func isListingID(s string) bool {
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
