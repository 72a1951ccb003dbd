// Package fetcher downloads from rate-limited government endpoints (the HTS
// search API and the Federal Register) with per-host limits, bounded retries,
// and upstream errors tagged by kind.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// GetJSON fetches the URL and decodes a JSON body into out.
	GetJSON(ctx context.Context, url string, out any) error

	// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
