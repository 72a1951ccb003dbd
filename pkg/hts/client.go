// Package hts queries the USITC Harmonized Tariff Schedule REST search API
// and parses its general (column 1) duty rate text.
package hts

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://hts.usitc.gov"

// Getter fetches and decodes a JSON document. internal/fetcher.HTTPFetcher
// satisfies it.
type Getter interface {
	GetJSON(ctx context.Context, url string, out any) error
}

// Article is one row of the schedule as returned by /reststop/search.
type Article struct {
	HTSNo       string `json:"htsno"`
	Description string `json:"description"`
	General     string `json:"general"`
	Special     string `json:"special"`
	Other       string `json:"other"`
}

// Digits returns the article number with separators removed.
func (a Article) Digits() string {
	return digits(a.HTSNo)
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// Client is an HTS search client.
type Client struct {
	get     Getter
	baseURL string
}

// NewClient creates an HTS client that issues requests through g.
func NewClient(g Getter, opts ...Option) *Client {
	c := &Client{get: g, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search returns the schedule articles matching code. The code is sent in
// dotted form (8542.31.00) which is what the search index keys on.
func (c *Client) Search(ctx context.Context, code string) ([]Article, error) {
	q := url.Values{}
	q.Set("keyword", FormatCode(code))
	u := c.baseURL + "/reststop/search?" + q.Encode()

	var out []Article
	if err := c.get.GetJSON(ctx, u, &out); err != nil {
		return nil, eris.Wrapf(err, "hts: search %s", code)
	}
	return out, nil
}

// Lookup searches for code and returns the article carrying its general rate.
func (c *Client) Lookup(ctx context.Context, code string) (Article, error) {
	articles, err := c.Search(ctx, code)
	if err != nil {
		return Article{}, err
	}
	a, ok := FindRate(articles, code)
	if !ok {
		return Article{}, eris.Wrapf(ErrNotFound, "hts: lookup %s", code)
	}
	return a, nil
}

// ErrNotFound is returned when no article with a general rate covers a code.
var ErrNotFound = eris.New("hts: no general rate for code")

// FindRate picks the most specific article whose number is a prefix of code
// and which carries a general rate. Statistical suffixes usually leave the
// general column blank, so a 10-digit code resolves to its 8-digit parent.
func FindRate(articles []Article, code string) (Article, bool) {
	want := digits(code)
	var best Article
	bestLen := 0
	for _, a := range articles {
		d := a.Digits()
		if d == "" || strings.TrimSpace(a.General) == "" {
			continue
		}
		if !strings.HasPrefix(want, d) {
			continue
		}
		if len(d) > bestLen {
			best, bestLen = a, len(d)
		}
	}
	return best, bestLen > 0
}

// FormatCode renders a digits-only code in the schedule's dotted notation:
// 8542310050 becomes 8542.31.00.50.
func FormatCode(code string) string {
	d := digits(code)
	if len(d) <= 4 {
		return d
	}
	parts := []string{d[:4]}
	for i := 4; i < len(d); i += 2 {
		end := min(i+2, len(d))
		parts = append(parts, d[i:end])
	}
	return strings.Join(parts, ".")
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
