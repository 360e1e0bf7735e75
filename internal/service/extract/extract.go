// Package extract calls the metadata-extraction sidecar to turn raw
// citation text into structured bibliographic fields for study
// registration. The sidecar is optional; without one, study fields are
// entered by hand.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Provider yields bibliographic metadata for raw citation text. Client
// is the production implementation; embedders may substitute their own
// source.
type Provider interface {
	Extract(ctx context.Context, citation string) (Metadata, error)
}

// Client talks to the extraction sidecar over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a sidecar client. Returns nil if baseURL is empty
// (extraction disabled). A non-positive timeout defaults to 20s.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Metadata holds the bibliographic fields the sidecar recognized in a
// citation. Absent fields stay nil; the sidecar extracts what it can.
type Metadata struct {
	Title   string  `json:"title"`
	Authors *string `json:"authors,omitempty"`
	Year    *int    `json:"year,omitempty"`
	Journal *string `json:"journal,omitempty"`
	DOI     *string `json:"doi,omitempty"`
}

func (m Metadata) empty() bool {
	return m.Title == "" && m.Authors == nil && m.Year == nil && m.Journal == nil && m.DOI == nil
}

// Apply copies extracted fields onto a create request, filling only the
// fields the caller left empty. Caller-provided values always win.
func (m Metadata) Apply(req *model.CreateStudyRequest) {
	if req.Title == "" && m.Title != "" {
		req.Title = m.Title
	}
	if req.Authors == nil && m.Authors != nil {
		req.Authors = m.Authors
	}
	if req.Year == nil && m.Year != nil {
		req.Year = m.Year
	}
	if req.Journal == nil && m.Journal != nil {
		req.Journal = m.Journal
	}
	if req.DOI == nil && m.DOI != nil {
		req.DOI = m.DOI
	}
}

type extractRequest struct {
	Citation string `json:"citation"`
}

// Extract sends citation text to the sidecar's /extract endpoint and
// returns whatever fields it recognized. An answer with no recognized
// fields at all is treated as a failure.
func (c *Client) Extract(ctx context.Context, citation string) (Metadata, error) {
	reqBody, err := json.Marshal(extractRequest{Citation: citation})
	if err != nil {
		return Metadata{}, fmt.Errorf("extract: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(reqBody))
	if err != nil {
		return Metadata{}, fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("extract: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Metadata{}, fmt.Errorf("extract: status %d: %s", resp.StatusCode, string(body))
	}

	var result Metadata
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Metadata{}, fmt.Errorf("extract: decode response: %w", err)
	}

	if result.empty() {
		return Metadata{}, fmt.Errorf("extract: no fields recognized in citation")
	}

	return result, nil
}
