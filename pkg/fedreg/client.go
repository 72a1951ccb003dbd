// Package fedreg searches the Federal Register API v1 for published
// documents and retrieves their full text.
package fedreg

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://www.federalregister.gov/api/v1"
	// DefaultAgency is the Federal Register slug for USTR, which publishes
	// Section 301 actions.
	DefaultAgency  = "trade-representative-office-of-united-states"
	dateLayout     = "2006-01-02"
	maxPages       = 10
	maxTextBytes   = 8 << 20
	defaultPerPage = 100
)

// Getter is the transport used by the client. internal/fetcher.HTTPFetcher
// satisfies it.
type Getter interface {
	GetJSON(ctx context.Context, url string, out any) error
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Document is one search result.
type Document struct {
	DocumentNumber  string `json:"document_number"`
	Title           string `json:"title"`
	Type            string `json:"type"`
	Abstract        string `json:"abstract"`
	PublicationDate string `json:"publication_date"`
	EffectiveOn     string `json:"effective_on"`
	HTMLURL         string `json:"html_url"`
	RawTextURL      string `json:"raw_text_url"`
}

// Published parses PublicationDate.
func (d Document) Published() (time.Time, error) {
	return parseDate(d.PublicationDate)
}

// Effective parses EffectiveOn and returns nil when the document has none.
func (d Document) Effective() *time.Time {
	t, err := parseDate(d.EffectiveOn)
	if err != nil {
		return nil
	}
	return &t
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "fedreg: parse date %q", s)
	}
	return t.UTC(), nil
}

type searchResponse struct {
	Count       int        `json:"count"`
	TotalPages  int        `json:"total_pages"`
	NextPageURL string     `json:"next_page_url"`
	Results     []Document `json:"results"`
}

// SearchParams filters a document search.
type SearchParams struct {
	Term     string
	Agencies []string
	Types    []string // RULE, NOTICE, PRORULE
	Since    time.Time
	PerPage  int
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// Client is a Federal Register API client.
type Client struct {
	get     Getter
	baseURL string
}

// NewClient creates a client that issues requests through g.
func NewClient(g Getter, opts ...Option) *Client {
	c := &Client{get: g, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search returns every matching document, following next_page_url for at
// most maxPages pages.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]Document, error) {
	next := c.baseURL + "/documents.json?" + searchQuery(p).Encode()

	var docs []Document
	for page := 0; next != "" && page < maxPages; page++ {
		var resp searchResponse
		if err := c.get.GetJSON(ctx, next, &resp); err != nil {
			return nil, eris.Wrapf(err, "fedreg: search page %d", page+1)
		}
		docs = append(docs, resp.Results...)
		next = resp.NextPageURL
	}
	return docs, nil
}

func searchQuery(p SearchParams) url.Values {
	q := url.Values{}
	if p.Term != "" {
		q.Set("conditions[term]", p.Term)
	}
	for _, a := range p.Agencies {
		q.Add("conditions[agencies][]", a)
	}
	for _, t := range p.Types {
		q.Add("conditions[type][]", t)
	}
	if !p.Since.IsZero() {
		q.Set("conditions[publication_date][gte]", p.Since.UTC().Format(dateLayout))
	}
	perPage := p.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("order", "newest")
	return q
}

// FullText downloads the document's raw text and returns it cleaned.
func (c *Client) FullText(ctx context.Context, d Document) (string, error) {
	if d.RawTextURL == "" {
		return "", eris.Errorf("fedreg: document %s has no raw text url", d.DocumentNumber)
	}
	body, err := c.get.Download(ctx, d.RawTextURL)
	if err != nil {
		return "", eris.Wrapf(err, "fedreg: download %s", d.DocumentNumber)
	}
	defer body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(body, maxTextBytes))
	if err != nil {
		return "", eris.Wrapf(err, "fedreg: read %s", d.DocumentNumber)
	}
	return CleanText(string(raw)), nil
}
