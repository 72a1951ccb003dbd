package fedreg

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	tagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe = regexp.MustCompile(`[ \t\f\v]+`)
	blankRe = regexp.MustCompile(`\n{3,}`)
)

// CleanText turns the registry's raw-text payload (plain text wrapped in a
// <pre> document) into NFKC-normalised plain text. NFKC folds non-breaking
// spaces and full-width digits that otherwise split "8542.31.00" matches.
func CleanText(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRe.ReplaceAllString(s, " ")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
