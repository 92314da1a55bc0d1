// Package citation turns retrieved evidence fragments into user-facing
// citation records and the serialized context block handed to the answer
// generator. All transformations are pure.
package citation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nlowen/cited/internal/retrieval"
)

// snippetLimit bounds the snippet length in bytes (rune-safe truncation).
const snippetLimit = 1024

// Citation is the user-facing projection of an evidence fragment used in an
// answer.
type Citation struct {
	Source     string `json:"source"`
	Title      string `json:"title,omitempty"`
	Page       int    `json:"page,omitempty"`
	FragmentID string `json:"fragment_id"`
	Snippet    string `json:"snippet,omitempty"`
	Text       string `json:"-"`
}

// Format converts a ranked fragment bundle into ordered citation records and
// the context block string fed to the generator. Block numbering is 1-based
// and matches the inline reference numbers the generator is instructed to
// use.
func Format(frags []retrieval.ScoredFragment) ([]Citation, string) {
	if len(frags) == 0 {
		return nil, ""
	}

	citations := make([]Citation, len(frags))
	blocks := make([]string, len(frags))

	for i, f := range frags {
		c := Citation{
			Source:     f.Source,
			Title:      f.Title,
			Page:       f.Page,
			FragmentID: f.ID,
			Snippet:    Snippet(f.Text),
			Text:       f.Text,
		}
		citations[i] = c

		var sb strings.Builder
		fmt.Fprintf(&sb, "[CITATION %d]\n", i+1)
		fmt.Fprintf(&sb, "SOURCE: %s\n", c.Source)
		fmt.Fprintf(&sb, "TITLE: %s\n", c.Title)
		if c.Page > 0 {
			fmt.Fprintf(&sb, "PAGE: %d\n", c.Page)
		} else {
			sb.WriteString("PAGE: \n")
		}
		fmt.Fprintf(&sb, "CHUNK: %s\n", c.FragmentID)
		fmt.Fprintf(&sb, "SNIPPET: %s\n", c.Snippet)
		fmt.Fprintf(&sb, "CONTENT:\n%s", c.Text)
		blocks[i] = sb.String()
	}

	return citations, strings.Join(blocks, "\n\n")
}

// Snippet returns a bounded, newline-flattened preview of the fragment text.
func Snippet(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	if len(flat) <= snippetLimit {
		return flat
	}
	cut := flat[:snippetLimit]
	// Back off to a rune boundary so truncation never splits a character.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return strings.TrimSpace(cut)
}
