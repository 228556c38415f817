// Package extract pulls Spotify track identifiers out of chat message text.
package extract

import "regexp"

// Spotify track IDs are base62, 22 characters.
var (
	linkPattern = regexp.MustCompile(`open\.spotify\.com/(?:intl-[a-z]{2}(?:-[A-Za-z]{2})?/)?track/([0-9A-Za-z]{22})`)
	uriPattern  = regexp.MustCompile(`spotify:track:([0-9A-Za-z]{22})`)
)

// TrackIDs returns the track identifiers referenced by text, in order of
// first appearance. A track linked twice in one message appears once, at the
// position of its first mention. Both https links and spotify: URIs are
// recognized.
func TrackIDs(text string) []string {
	type match struct {
		pos int
		id  string
	}

	var matches []match
	for _, m := range linkPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, match{pos: m[0], id: text[m[2]:m[3]]})
	}
	for _, m := range uriPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, match{pos: m[0], id: text[m[2]:m[3]]})
	}

	// Merge the two pattern passes back into document order.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].pos < matches[j-1].pos; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}

	seen := make(map[string]bool, len(matches))
	var ids []string
	for _, m := range matches {
		if seen[m.id] {
			continue
		}
		seen[m.id] = true
		ids = append(ids, m.id)
	}
	return ids
}
