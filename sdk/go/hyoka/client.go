package hyoka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "hyoka-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Hyoka server (e.g. "http://localhost:8080").
	BaseURL string

	// Email identifies the reviewer account for authentication.
	Email string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Hyoka checklist assessment API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Email, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hyoka: BaseURL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("hyoka: Email is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hyoka: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Email, cfg.APIKey, httpClient),
	}, nil
}

// Page describes the pagination state of a list response.
type Page struct {
	// Total is the full match count, or nil when the server skipped counting.
	Total   *int
	HasMore bool
	Limit   int
	Offset  int
}

// ---------------------------------------------------------------------------
// Studies
// ---------------------------------------------------------------------------

// CreateStudy registers a study for assessment.
func (c *Client) CreateStudy(ctx context.Context, req CreateStudyRequest) (*Study, error) {
	var resp Study
	if err := c.post(ctx, "/v1/studies", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStudy retrieves one study.
func (c *Client) GetStudy(ctx context.Context, studyID uuid.UUID) (*Study, error) {
	var resp Study
	if err := c.get(ctx, "/v1/studies/"+studyID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListStudiesOptions are optional filters for ListStudies.
type ListStudiesOptions struct {
	Tags   []string
	Year   int
	Limit  int
	Offset int
}

// ListStudies retrieves studies, optionally filtered by tags and year.
func (c *Client) ListStudies(ctx context.Context, opts *ListStudiesOptions) ([]Study, *Page, error) {
	params := url.Values{}
	if opts != nil {
		if len(opts.Tags) > 0 {
			params.Set("tags", strings.Join(opts.Tags, ","))
		}
		if opts.Year > 0 {
			params.Set("year", strconv.Itoa(opts.Year))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/studies"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var studies []Study
	page, err := c.getList(ctx, path, &studies)
	if err != nil {
		return nil, nil, err
	}
	return studies, page, nil
}

// SearchStudies performs a ranked full-text search over study citations.
func (c *Client) SearchStudies(ctx context.Context, req StudySearchRequest) ([]StudySearchResult, error) {
	var resp []StudySearchResult
	if err := c.post(ctx, "/v1/studies/search", req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateStudyTags replaces the tags for a study.
func (c *Client) UpdateStudyTags(ctx context.Context, studyID uuid.UUID, tags []string) (*Study, error) {
	body := map[string]any{"tags": tags}
	var resp Study
	if err := c.put(ctx, "/v1/studies/"+studyID.String()+"/tags", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StudyProgress retrieves checklist progress counters for a study.
func (c *Client) StudyProgress(ctx context.Context, studyID uuid.UUID) (*StudyProgress, error) {
	var resp StudyProgress
	if err := c.get(ctx, "/v1/studies/"+studyID.String()+"/progress", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

// CreateAssignment binds a reviewer pair to a study for one instrument.
// Requires admin role.
func (c *Client) CreateAssignment(ctx context.Context, studyID uuid.UUID, req CreateAssignmentRequest) (*Assignment, error) {
	var resp Assignment
	if err := c.post(ctx, "/v1/studies/"+studyID.String()+"/assignments", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAssignments retrieves the reviewer pairs for a study.
func (c *Client) ListAssignments(ctx context.Context, studyID uuid.UUID) ([]Assignment, error) {
	var assignments []Assignment
	if _, err := c.getList(ctx, "/v1/studies/"+studyID.String()+"/assignments", &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// ---------------------------------------------------------------------------
// Checklists
// ---------------------------------------------------------------------------

// CreateChecklist creates a draft checklist owned by the caller. The study
// must have an assignment for the instrument naming the caller.
func (c *Client) CreateChecklist(ctx context.Context, req CreateChecklistRequest) (*ChecklistWithAggregate, error) {
	var resp ChecklistWithAggregate
	if err := c.post(ctx, "/v1/checklists", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetChecklist retrieves a checklist with its current scoring aggregate.
func (c *Client) GetChecklist(ctx context.Context, checklistID uuid.UUID) (*ChecklistWithAggregate, error) {
	var resp ChecklistWithAggregate
	if err := c.get(ctx, "/v1/checklists/"+checklistID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListChecklistsOptions are optional filters for ListChecklists.
type ListChecklistsOptions struct {
	StudyID    *uuid.UUID
	ReviewerID *uuid.UUID
	Instrument string
	Status     Status
	// Consensus restricts to consensus checklists (true) or originals (false).
	Consensus *bool
	Limit     int
	Offset    int
}

// ListChecklists retrieves checklists visible to the caller.
func (c *Client) ListChecklists(ctx context.Context, opts *ListChecklistsOptions) ([]Checklist, *Page, error) {
	params := url.Values{}
	if opts != nil {
		if opts.StudyID != nil {
			params.Set("study_id", opts.StudyID.String())
		}
		if opts.ReviewerID != nil {
			params.Set("reviewer_id", opts.ReviewerID.String())
		}
		if opts.Instrument != "" {
			params.Set("instrument", opts.Instrument)
		}
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Consensus != nil {
			params.Set("consensus", strconv.FormatBool(*opts.Consensus))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/checklists"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var checklists []Checklist
	page, err := c.getList(ctx, path, &checklists)
	if err != nil {
		return nil, nil, err
	}
	return checklists, page, nil
}

// RecordAnswer stores one answer and returns the re-scored checklist.
func (c *Client) RecordAnswer(ctx context.Context, checklistID uuid.UUID, domain, question string, req RecordAnswerRequest) (*ChecklistWithAggregate, error) {
	path := "/v1/checklists/" + checklistID.String() + "/domains/" + domain + "/answers/" + question
	var resp ChecklistWithAggregate
	if err := c.put(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetPreliminary sets one preliminary field. Changing the instrument's mode
// field re-scores every domain.
func (c *Client) SetPreliminary(ctx context.Context, checklistID uuid.UUID, field string, value PrelimValue) (*ChecklistWithAggregate, error) {
	path := "/v1/checklists/" + checklistID.String() + "/preliminary/" + field
	body := map[string]any{"value": value}
	var resp ChecklistWithAggregate
	if err := c.put(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetOverride records a manual judgement for a domain or "overall".
// A nil judgement clears the override.
func (c *Client) SetOverride(ctx context.Context, checklistID uuid.UUID, scope string, judgement *Judgement) (*ChecklistWithAggregate, error) {
	path := "/v1/checklists/" + checklistID.String() + "/overrides/" + scope
	body := map[string]any{"judgement": judgement}
	var resp ChecklistWithAggregate
	if err := c.put(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearOverride returns a domain or "overall" to automatic scoring.
func (c *Client) ClearOverride(ctx context.Context, checklistID uuid.UUID, scope string) (*ChecklistWithAggregate, error) {
	path := "/v1/checklists/" + checklistID.String() + "/overrides/" + scope
	var resp ChecklistWithAggregate
	if err := c.doDelete(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetDirection records a bias direction for a domain or "overall".
// A nil direction clears the slot.
func (c *Client) SetDirection(ctx context.Context, checklistID uuid.UUID, scope string, direction *Direction) (*ChecklistWithAggregate, error) {
	path := "/v1/checklists/" + checklistID.String() + "/directions/" + scope
	body := map[string]any{"direction": direction}
	var resp ChecklistWithAggregate
	if err := c.put(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transition moves a checklist through its lifecycle. Completing requires
// every active domain to be decided.
func (c *Client) Transition(ctx context.Context, checklistID uuid.UUID, status Status) (*ChecklistWithAggregate, error) {
	body := map[string]any{"status": status}
	var resp ChecklistWithAggregate
	if err := c.post(ctx, "/v1/checklists/"+checklistID.String()+"/status", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChecklistEvents retrieves a checklist's audit trail, oldest first.
func (c *Client) ChecklistEvents(ctx context.Context, checklistID uuid.UUID, limit int) ([]AuditEvent, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/checklists/" + checklistID.String() + "/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var events []AuditEvent
	if _, err := c.getList(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyChecklist recomputes a checklist's audit hash chain and reports
// whether it is intact.
func (c *Client) VerifyChecklist(ctx context.Context, checklistID uuid.UUID) (*ChainReport, error) {
	var resp ChainReport
	if err := c.get(ctx, "/v1/checklists/"+checklistID.String()+"/verify", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Comparison and reconciliation
// ---------------------------------------------------------------------------

// CompareStudy diffs the two completed checklists for a study and
// instrument. Both reviewers must have completed their assessments.
func (c *Client) CompareStudy(ctx context.Context, studyID uuid.UUID, instrument string) (*CompareResult, error) {
	params := url.Values{}
	params.Set("instrument", instrument)

	path := "/v1/studies/" + studyID.String() + "/compare?" + params.Encode()
	var resp CompareResult
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reconcile merges a study's completed checklist pair into a consensus
// checklist per the selection map.
func (c *Client) Reconcile(ctx context.Context, studyID uuid.UUID, req ReconcileRequest) (*ReconciliationResponse, error) {
	var resp ReconciliationResponse
	if err := c.post(ctx, "/v1/studies/"+studyID.String()+"/reconcile", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetReconciliation retrieves a reconciliation with its consensus checklist.
func (c *Client) GetReconciliation(ctx context.Context, recID uuid.UUID) (*ReconciliationResponse, error) {
	var resp ReconciliationResponse
	if err := c.get(ctx, "/v1/reconciliations/"+recID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinalizeReconciliation freezes the consensus and both source checklists.
// The consensus must be complete.
func (c *Client) FinalizeReconciliation(ctx context.Context, recID uuid.UUID) (*ReconciliationResponse, error) {
	var resp ReconciliationResponse
	if err := c.post(ctx, "/v1/reconciliations/"+recID.String()+"/finalize", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

// ListInstruments retrieves summaries of the registered instruments.
func (c *Client) ListInstruments(ctx context.Context) ([]InstrumentSummary, error) {
	var resp []InstrumentSummary
	if err := c.get(ctx, "/v1/instruments", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetInstrument retrieves the full machine-readable definition for one
// instrument.
func (c *Client) GetInstrument(ctx context.Context, key string) (*Instrument, error) {
	var resp Instrument
	if err := c.get(ctx, "/v1/instruments/"+key, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Reviewers and grants (admin-only)
// ---------------------------------------------------------------------------

// CreateReviewer creates a reviewer account. Requires admin role. When the
// request omits an API key the server generates one and returns it once.
func (c *Client) CreateReviewer(ctx context.Context, req CreateReviewerRequest) (*CreateReviewerResponse, error) {
	var resp CreateReviewerResponse
	if err := c.post(ctx, "/v1/reviewers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListReviewers lists reviewer accounts. Requires admin role.
func (c *Client) ListReviewers(ctx context.Context) ([]Reviewer, error) {
	var reviewers []Reviewer
	if _, err := c.getList(ctx, "/v1/reviewers", &reviewers); err != nil {
		return nil, err
	}
	return reviewers, nil
}

// CreateGrant grants a reviewer access to a study or to all studies.
// Requires admin role.
func (c *Client) CreateGrant(ctx context.Context, req CreateGrantRequest) (*Grant, error) {
	var resp Grant
	if err := c.post(ctx, "/v1/grants", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteGrant revokes an access grant. Returns nil on success (204 No Content).
func (c *Client) DeleteGrant(ctx context.Context, grantID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/grants/"+grantID.String(), nil)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's wrapper for paginated list responses.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hyoka: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("hyoka: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hyoka: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("hyoka: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hyoka: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

// getList performs a GET against a paginated endpoint, decoding the data
// array into dest and returning the page state.
func (c *Client) getList(ctx context.Context, path string, dest any) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("hyoka: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyoka: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hyoka: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("hyoka: decode list envelope: %w", err)
	}
	if envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return nil, fmt.Errorf("hyoka: decode list data: %w", err)
		}
	}
	return &Page{
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}, nil
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hyoka: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hyoka: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hyoka: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hyoka: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hyoka: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("hyoka: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
