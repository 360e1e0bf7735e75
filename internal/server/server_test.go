package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/hyoka/api"
	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/mcp"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/server"
	"github.com/ashita-ai/hyoka/internal/service/audit"
	"github.com/ashita-ai/hyoka/internal/service/checklists"
	"github.com/ashita-ai/hyoka/internal/service/progress"
	"github.com/ashita-ai/hyoka/internal/storage"
)

var (
	testSrv       *httptest.Server
	testcontainer testcontainers.Container

	adminToken string

	reviewer1      model.Reviewer
	reviewer2      model.Reviewer
	reader         model.Reviewer
	reviewer1Token string
	reviewer2Token string
	readerToken    string
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hyoka",
			"POSTGRES_PASSWORD": "hyoka",
			"POSTGRES_DB":       "hyoka",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	var err error
	testcontainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, _ := testcontainer.Host(ctx)
	port, _ := testcontainer.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://hyoka:hyoka@%s:%s/hyoka?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Empty notify DSN: no LISTEN/NOTIFY broker, so /v1/subscribe serves 503.
	db, err := storage.New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := db.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, _ := auth.NewJWTManager("", "", 24*time.Hour)
	checklistSvc := checklists.New(db, logger)
	// Zero TTL keeps every rollup live so tests never race the cache.
	progressSvc := progress.New(db, 0)
	recorder := audit.NewRecorder(db, logger, nil, 256, 50*time.Millisecond)
	if err := recorder.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start audit recorder: %v\n", err)
		os.Exit(1)
	}
	grantCache := authz.NewGrantCache(time.Minute)
	mcpSrv := mcp.New(db, checklistSvc, grantCache, logger, "test")

	srv := server.New(server.ServerConfig{
		DB:                      db,
		JWTMgr:                  jwtMgr,
		ChecklistSvc:            checklistSvc,
		ProgressSvc:             progressSvc,
		Recorder:                recorder,
		GrantCache:              grantCache,
		MCPServer:               mcpSrv.MCPServer(),
		Logger:                  logger,
		ReadTimeout:             30 * time.Second,
		WriteTimeout:            30 * time.Second,
		Version:                 "test",
		MaxRequestBodyBytes:     1 << 20,
		EnableDestructiveDelete: true,
		OpenAPISpec:             api.OpenAPISpec,
	})

	_ = srv.Handlers().SeedAdmin(ctx, "test-admin-key")

	testSrv = httptest.NewServer(srv.Handler())

	adminToken = getToken(testSrv.URL, "admin@hyoka.local", "test-admin-key")

	reviewer1 = createReviewer(testSrv.URL, adminToken, "alice@example.org", "Alice", "reviewer", "alice-key")
	reviewer2 = createReviewer(testSrv.URL, adminToken, "bob@example.org", "Bob", "reviewer", "bob-key")
	reader = createReviewer(testSrv.URL, adminToken, "carol@example.org", "Carol", "reader", "carol-key")
	reviewer1Token = getToken(testSrv.URL, "alice@example.org", "alice-key")
	reviewer2Token = getToken(testSrv.URL, "bob@example.org", "bob-key")
	readerToken = getToken(testSrv.URL, "carol@example.org", "carol-key")

	code := m.Run()

	testSrv.Close()
	cancel() // Signal the recorder's flush loop to exit.
	recorder.Drain(context.Background())
	grantCache.Close()
	progressSvc.Close()
	db.Close(context.Background())
	_ = testcontainer.Terminate(context.Background())
	os.Exit(code)
}

func getToken(baseURL, email, apiKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Email: email, APIKey: apiKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

// createReviewer provisions an account through the legacy fixed-key path,
// so tests can authenticate with a credential they chose.
func createReviewer(baseURL, token, email, name, role, apiKey string) model.Reviewer {
	body, _ := json.Marshal(model.CreateReviewerRequest{
		Email: email, Name: name, Role: model.ReviewerRole(role), APIKey: apiKey,
	})
	req, _ := http.NewRequest("POST", baseURL+"/v1/reviewers", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("createReviewer %s: status %d, body: %s", email, resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.Reviewer `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("createReviewer %s: unmarshal failed: %v", email, err))
	}
	return result.Data
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func codePtr(c string) *model.Code {
	v := model.Code(c)
	return &v
}

func judgementPtr(j model.Judgement) *model.Judgement { return &j }

func directionPtr(d model.Direction) *model.Direction { return &d }

// checklistEnvelope is the {checklist, aggregate} pair every checklist
// read and mutation returns.
type checklistEnvelope struct {
	Data struct {
		Checklist model.Checklist `json:"checklist"`
		Aggregate model.Aggregate `json:"aggregate"`
	} `json:"data"`
}

func parseChecklist(t *testing.T, resp *http.Response, wantStatus int) (model.Checklist, model.Aggregate) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, wantStatus, resp.StatusCode, "body: %s", string(data))
	var result checklistEnvelope
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data.Checklist, result.Data.Aggregate
}

func createStudy(t *testing.T, title string) model.Study {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/studies", adminToken,
		model.CreateStudyRequest{Title: title, Tags: []string{"cohort"}})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))
	var result struct {
		Data model.Study `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}

// assignPair puts reviewer1 and reviewer2 on a study under robins, which
// also opens the study to both of them.
func assignPair(t *testing.T, studyID uuid.UUID) model.Assignment {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/studies/"+studyID.String()+"/assignments", adminToken,
		model.CreateAssignmentRequest{Instrument: "robins", Reviewer1ID: reviewer1.ID, Reviewer2ID: reviewer2.ID})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))
	var result struct {
		Data model.Assignment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}

type answerInput struct {
	domain   string
	question string
	code     string
}

// lowRiskAnswers is the shortest path to a low judgement in every robins
// domain that is active under the assignment mode.
func lowRiskAnswers() []answerInput {
	return []answerInput{
		{"confounding", "q1", "N"},
		{"selection", "q1", "N"},
		{"classification", "q1", "Y"},
		{"classification", "q2", "Y"},
		{"classification", "q3", "N"},
		{"deviations-assignment", "q1", "N"},
		{"deviations-assignment", "q2", "N"},
		{"missing", "q1", "Y"},
		{"measurement", "q1", "N"},
		{"measurement", "q2", "N"},
		{"measurement", "q3", "N"},
		{"reporting", "q1", "N"},
		{"reporting", "q2", "N"},
		{"reporting", "q3", "N"},
	}
}

// seriousConfoundingAnswers is lowRiskAnswers with the confounding domain
// steered to a serious judgement, so a pair built from both sets disagrees
// on exactly that domain.
func seriousConfoundingAnswers() []answerInput {
	out := []answerInput{
		{"confounding", "q1", "Y"},
		{"confounding", "q3", "NI"},
	}
	for _, a := range lowRiskAnswers() {
		if a.domain == "confounding" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// buildCompletedChecklist scores a fresh robins checklist for the token's
// reviewer and completes it. The returned checklist reflects the final
// status, so after the pair's second completion it reads
// awaiting-reconciliation.
func buildCompletedChecklist(t *testing.T, token string, studyID uuid.UUID, answers []answerInput) model.Checklist {
	t.Helper()

	resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", token,
		model.CreateChecklistRequest{StudyID: studyID, Instrument: "robins"})
	require.NoError(t, err)
	c, _ := parseChecklist(t, resp, http.StatusCreated)

	base := testSrv.URL + "/v1/checklists/" + c.ID.String()

	resp, err = authedRequest("PUT", base+"/preliminary/screen", token,
		model.SetPreliminaryRequest{Value: model.PrelimValue{Choice: codePtr("proceed")}})
	require.NoError(t, err)
	_, _ = parseChecklist(t, resp, http.StatusOK)

	for _, a := range answers {
		resp, err = authedRequest("PUT", base+"/domains/"+a.domain+"/answers/"+a.question, token,
			model.RecordAnswerRequest{Code: model.Code(a.code)})
		require.NoError(t, err)
		_, _ = parseChecklist(t, resp, http.StatusOK)
	}

	resp, err = authedRequest("POST", base+"/status", token,
		model.TransitionRequest{Status: model.StatusCompleted})
	require.NoError(t, err)
	completed, _ := parseChecklist(t, resp, http.StatusOK)
	return completed
}

type reviewPair struct {
	study model.Study
	c1    model.Checklist
	c2    model.Checklist
}

// setupScoredPair builds a study with a completed dual review: reviewer1
// all low, reviewer2 serious on confounding. Both checklists end in
// awaiting-reconciliation.
func setupScoredPair(t *testing.T, title string) reviewPair {
	t.Helper()
	study := createStudy(t, title)
	assignPair(t, study.ID)
	c1 := buildCompletedChecklist(t, reviewer1Token, study.ID, lowRiskAnswers())
	c2 := buildCompletedChecklist(t, reviewer2Token, study.ID, seriousConfoundingAnswers())
	require.Equal(t, model.StatusAwaitingReconciliation, c2.Status)
	return reviewPair{study: study, c1: c1, c2: c2}
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data model.HealthResponse `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &result)
	assert.Equal(t, "healthy", result.Data.Status)
	assert.Equal(t, "connected", result.Data.Postgres)
	assert.Equal(t, "test", result.Data.Version)
}

func TestOpenAPISpec(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "openapi:")
	assert.Contains(t, string(body), "/v1/checklists")
}

func TestAuthFlow(t *testing.T) {
	// Valid credentials.
	token := getToken(testSrv.URL, "admin@hyoka.local", "test-admin-key")
	assert.NotEmpty(t, token)

	// Invalid credentials.
	body, _ := json.Marshal(model.AuthTokenRequest{Email: "admin@hyoka.local", APIKey: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Missing fields.
	body, _ = json.Marshal(model.AuthTokenRequest{Email: "admin@hyoka.local"})
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/studies")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConfigEndpoint(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/config", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data struct {
			Version        string   `json:"version"`
			Instruments    []string `json:"instruments"`
			ExtractEnabled bool     `json:"extract_enabled"`
			SSEEnabled     bool     `json:"sse_enabled"`
		} `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "test", result.Data.Version)
	assert.Contains(t, result.Data.Instruments, "robins")
	assert.Contains(t, result.Data.Instruments, "amstar2")
	assert.False(t, result.Data.ExtractEnabled)
	assert.False(t, result.Data.SSEEnabled)
}

func TestInstrumentCatalog(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/instruments", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Data []struct {
			Key       string `json:"key"`
			Title     string `json:"title"`
			Domains   int    `json:"domains"`
			Questions int    `json:"questions"`
		} `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Data, 2)

	byKey := make(map[string]int)
	for _, in := range list.Data {
		byKey[in.Key] = in.Domains
		assert.Greater(t, in.Questions, 0)
	}
	assert.Equal(t, 8, byKey["robins"])
	assert.Contains(t, byKey, "amstar2")

	// Full definition includes domains, rules and the gate.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/instruments/robins", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var detail struct {
		Data struct {
			Key       string       `json:"key"`
			ModeField string       `json:"mode_field"`
			Modes     []model.Code `json:"modes"`
			Domains   []struct {
				Key string `json:"key"`
			} `json:"domains"`
			Gate *struct {
				Field string `json:"field"`
			} `json:"gate"`
		} `json:"data"`
	}
	data2, _ := io.ReadAll(resp2.Body)
	require.NoError(t, json.Unmarshal(data2, &detail))
	assert.Equal(t, "robins", detail.Data.Key)
	assert.Equal(t, "effect_of_interest", detail.Data.ModeField)
	assert.Contains(t, detail.Data.Modes, model.Code("assignment"))
	assert.Len(t, detail.Data.Domains, 8)
	require.NotNil(t, detail.Data.Gate)
	assert.Equal(t, "screen", detail.Data.Gate.Field)

	// Unknown key.
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/instruments/rob-2", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestStudyCRUD(t *testing.T) {
	study := createStudy(t, "Statins and cognitive decline")

	t.Run("get", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+study.ID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data model.Study `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		assert.Equal(t, "Statins and cognitive decline", result.Data.Title)
		assert.Equal(t, []string{"cohort"}, result.Data.Tags)
	})

	t.Run("patch", func(t *testing.T) {
		year := 2019
		resp, err := authedRequest("PATCH", testSrv.URL+"/v1/studies/"+study.ID.String(), adminToken,
			map[string]any{"year": year})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data model.Study `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		require.NotNil(t, result.Data.Year)
		assert.Equal(t, year, *result.Data.Year)
	})

	t.Run("replace tags", func(t *testing.T) {
		resp, err := authedRequest("PUT", testSrv.URL+"/v1/studies/"+study.ID.String()+"/tags", adminToken,
			map[string]any{"tags": []string{"cohort", "cardiology"}})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("list includes study for admin", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies?limit=100", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data  []model.Study `json:"data"`
			Total *int          `json:"total"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		require.NotNil(t, result.Total, "admin list carries a total")
		found := false
		for _, s := range result.Data {
			if s.ID == study.ID {
				found = true
			}
		}
		assert.True(t, found, "created study missing from admin list")
	})

	t.Run("full-text search", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/studies/search", adminToken,
			map[string]any{"query": "statins cognitive"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data []struct {
				Study model.Study `json:"study"`
				Rank  float32    `json:"rank"`
			} `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		require.NotEmpty(t, result.Data, "search should find the statins study")
		assert.Equal(t, study.ID, result.Data[0].Study.ID)
	})

	t.Run("progress for empty study", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+study.ID.String()+"/progress", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("missing study reads as 404", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+uuid.NewString(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestDualReviewFlow drives the whole instrument lifecycle: two reviewers
// score the same study independently, the pair auto-flips once both
// complete, the diff shows their confounding disagreement, and a consensus
// resolves it and is finalized.
func TestDualReviewFlow(t *testing.T) {
	study := createStudy(t, "Beta blockers after myocardial infarction")
	assignPair(t, study.ID)

	// Reviewer 1: all domains low.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer1Token,
		model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
	require.NoError(t, err)
	c1, agg := parseChecklist(t, resp, http.StatusCreated)
	assert.Equal(t, model.StatusDraft, c1.Status)
	assert.False(t, agg.Complete)

	base1 := testSrv.URL + "/v1/checklists/" + c1.ID.String()

	t.Run("first answer promotes draft to in-progress", func(t *testing.T) {
		resp, err := authedRequest("PUT", base1+"/domains/confounding/answers/q1", reviewer1Token,
			model.RecordAnswerRequest{Code: "N"})
		require.NoError(t, err)
		c, agg := parseChecklist(t, resp, http.StatusOK)
		assert.Equal(t, model.StatusInProgress, c.Status)

		ds, ok := agg.Domains["confounding"]
		require.True(t, ok)
		require.NotNil(t, ds.Effective)
		assert.Equal(t, model.JudgementLow, *ds.Effective)
	})

	t.Run("comment survives on the stored answer", func(t *testing.T) {
		comment := "no plausible confounders identified"
		resp, err := authedRequest("PUT", base1+"/domains/selection/answers/q1", reviewer1Token,
			model.RecordAnswerRequest{Code: "N", Comment: &comment})
		require.NoError(t, err)
		c, _ := parseChecklist(t, resp, http.StatusOK)
		stored := c.Domains["selection"].Answers["q1"]
		require.NotNil(t, stored.Comment)
		assert.Equal(t, comment, *stored.Comment)
	})

	// Remaining low-risk answers, then complete.
	for _, a := range lowRiskAnswers() {
		if a.domain == "confounding" || (a.domain == "selection" && a.question == "q1") {
			continue
		}
		resp, err := authedRequest("PUT", base1+"/domains/"+a.domain+"/answers/"+a.question, reviewer1Token,
			model.RecordAnswerRequest{Code: model.Code(a.code)})
		require.NoError(t, err)
		_, _ = parseChecklist(t, resp, http.StatusOK)
	}

	t.Run("reviewer1 completes low overall", func(t *testing.T) {
		resp, err := authedRequest("POST", base1+"/status", reviewer1Token,
			model.TransitionRequest{Status: model.StatusCompleted})
		require.NoError(t, err)
		c, agg := parseChecklist(t, resp, http.StatusOK)
		assert.Equal(t, model.StatusCompleted, c.Status)
		assert.NotNil(t, c.CompletedAt)
		assert.True(t, agg.Complete)
		require.NotNil(t, agg.Overall)
		assert.Equal(t, model.JudgementLow, *agg.Overall)
	})

	t.Run("compare refuses a half-finished pair", func(t *testing.T) {
		// Reviewer 2 opens a checklist but has not completed it.
		resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer2Token,
			model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
		require.NoError(t, err)
		_, _ = parseChecklist(t, resp, http.StatusCreated)

		resp2, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+study.ID.String()+"/compare?instrument=robins", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		data, _ := io.ReadAll(resp2.Body)
		assert.Equal(t, http.StatusConflict, resp2.StatusCode)
		assert.Contains(t, string(data), "both checklists must be completed")
	})

	// Reviewer 2 scores the same study with a serious confounding verdict.
	var c2 model.Checklist
	t.Run("second completion flips the pair to awaiting-reconciliation", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/checklists?study_id="+study.ID.String()+"&reviewer_id="+reviewer2.ID.String(), reviewer2Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var list struct {
			Data []model.Checklist `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &list))
		require.Len(t, list.Data, 1)
		c2 = list.Data[0]

		base2 := testSrv.URL + "/v1/checklists/" + c2.ID.String()
		for _, a := range seriousConfoundingAnswers() {
			resp, err := authedRequest("PUT", base2+"/domains/"+a.domain+"/answers/"+a.question, reviewer2Token,
				model.RecordAnswerRequest{Code: model.Code(a.code)})
			require.NoError(t, err)
			_, _ = parseChecklist(t, resp, http.StatusOK)
		}

		resp2, err := authedRequest("POST", base2+"/status", reviewer2Token,
			model.TransitionRequest{Status: model.StatusCompleted})
		require.NoError(t, err)
		c, agg := parseChecklist(t, resp2, http.StatusOK)
		assert.Equal(t, model.StatusAwaitingReconciliation, c.Status)
		require.NotNil(t, agg.Overall)
		assert.Equal(t, model.JudgementSerious, *agg.Overall)

		// The flip covers reviewer1's checklist too.
		resp3, err := authedRequest("GET", base1, reviewer1Token, nil)
		require.NoError(t, err)
		flipped, _ := parseChecklist(t, resp3, http.StatusOK)
		assert.Equal(t, model.StatusAwaitingReconciliation, flipped.Status)
	})

	t.Run("compare surfaces the confounding disagreement", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+study.ID.String()+"/compare?instrument=robins", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", string(data))

		var result struct {
			Data struct {
				Instrument string `json:"instrument"`
				Domains    []struct {
					Domain          string           `json:"domain"`
					Disagreed       []string         `json:"disagreed"`
					Judgement1      *model.Judgement `json:"judgement1"`
					Judgement2      *model.Judgement `json:"judgement2"`
					JudgementsMatch bool             `json:"judgements_match"`
				} `json:"domains"`
				Overall1     *model.Judgement `json:"overall1"`
				Overall2     *model.Judgement `json:"overall2"`
				OverallMatch bool             `json:"overall_match"`
				Stats        struct {
					Total     int     `json:"total"`
					Agreed    int     `json:"agreed"`
					Disagreed int     `json:"disagreed"`
					Rate      float64 `json:"rate"`
				} `json:"stats"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &result))

		require.NotNil(t, result.Data.Overall1)
		require.NotNil(t, result.Data.Overall2)
		assert.Equal(t, model.JudgementLow, *result.Data.Overall1)
		assert.Equal(t, model.JudgementSerious, *result.Data.Overall2)
		assert.False(t, result.Data.OverallMatch)
		assert.Greater(t, result.Data.Stats.Disagreed, 0)
		assert.Less(t, result.Data.Stats.Rate, 1.0)

		var confounding bool
		for _, d := range result.Data.Domains {
			if d.Domain != "confounding" {
				continue
			}
			confounding = true
			assert.False(t, d.JudgementsMatch)
			assert.NotEmpty(t, d.Disagreed)
		}
		assert.True(t, confounding, "confounding domain missing from diff")
	})

	var recID uuid.UUID
	t.Run("reconcile merges with reviewer2's confounding", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/studies/"+study.ID.String()+"/reconcile", reviewer1Token,
			model.ReconcileRequest{
				Instrument: "robins",
				Selection:  map[string]model.Side{"confounding": model.SideReviewer2},
			})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))

		var result struct {
			Data struct {
				Reconciliation model.Reconciliation `json:"reconciliation"`
				Consensus      model.Checklist      `json:"consensus"`
				Aggregate      model.Aggregate      `json:"aggregate"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &result))
		recID = result.Data.Reconciliation.ID

		assert.Equal(t, c1.ID, result.Data.Reconciliation.Source1ID)
		assert.Equal(t, c2.ID, result.Data.Reconciliation.Source2ID)
		assert.Nil(t, result.Data.Reconciliation.FinalizedAt)

		// Consensus took reviewer2's confounding, reviewer1 everywhere else.
		require.NotNil(t, result.Data.Aggregate.Overall)
		assert.Equal(t, model.JudgementSerious, *result.Data.Aggregate.Overall)
		assert.True(t, result.Data.Aggregate.Complete)
		require.NotNil(t, result.Data.Consensus.Source1ID)
		assert.Equal(t, c1.ID, *result.Data.Consensus.Source1ID)

		// Sources moved on to reconciling.
		resp2, err := authedRequest("GET", base1, reviewer1Token, nil)
		require.NoError(t, err)
		src, _ := parseChecklist(t, resp2, http.StatusOK)
		assert.Equal(t, model.StatusReconciling, src.Status)
	})

	t.Run("get reconciliation", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reconciliations/"+recID.String(), readerToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		// Reader has no grant on this study.
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp2, err := authedRequest("GET", testSrv.URL+"/v1/reconciliations/"+recID.String(), reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		var result struct {
			Data model.Reconciliation `json:"data"`
		}
		data, _ := io.ReadAll(resp2.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		assert.Equal(t, "robins", result.Data.Instrument)
		assert.Equal(t, model.SideReviewer2, result.Data.Selection["confounding"])
	})

	t.Run("list study reconciliations", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+study.ID.String()+"/reconciliations", reviewer2Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data []model.Reconciliation `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		require.Len(t, result.Data, 1)
		assert.Equal(t, recID, result.Data[0].ID)
	})

	t.Run("finalize closes consensus and sources together", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/reconciliations/"+recID.String()+"/finalize", reviewer2Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", string(data))

		var result struct {
			Data struct {
				Reconciliation model.Reconciliation `json:"reconciliation"`
				Consensus      model.Checklist      `json:"consensus"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &result))
		assert.NotNil(t, result.Data.Reconciliation.FinalizedAt)
		assert.Equal(t, model.StatusFinalized, result.Data.Consensus.Status)
		assert.NotNil(t, result.Data.Consensus.FinalizedAt)

		resp2, err := authedRequest("GET", base1, reviewer1Token, nil)
		require.NoError(t, err)
		src, _ := parseChecklist(t, resp2, http.StatusOK)
		assert.Equal(t, model.StatusFinalized, src.Status)
	})

	t.Run("audit chain verifies end to end", func(t *testing.T) {
		resp, err := authedRequest("GET", base1+"/events", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var events struct {
			Data []struct {
				EventType   string `json:"event_type"`
				SequenceNum int64  `json:"sequence_num"`
				ContentHash string `json:"content_hash"`
			} `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &events))
		require.GreaterOrEqual(t, len(events.Data), 5, "expected creation, answers and status changes")
		assert.NotEmpty(t, events.Data[0].ContentHash)

		resp2, err := authedRequest("GET", base1+"/verify", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		var report struct {
			Data struct {
				Length int  `json:"length"`
				Valid  bool `json:"valid"`
			} `json:"data"`
		}
		data2, _ := io.ReadAll(resp2.Body)
		require.NoError(t, json.Unmarshal(data2, &report))
		assert.True(t, report.Data.Valid)
		assert.Equal(t, len(events.Data), report.Data.Length)
	})

	t.Run("export csv and json", func(t *testing.T) {
		resp, err := authedRequest("GET", base1+"/export", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "checklist-"+c1.ID.String()+".csv")
		body, _ := io.ReadAll(resp.Body)
		assert.NotEmpty(t, body)

		resp2, err := authedRequest("GET", base1+"/export?format=json", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
		assert.Equal(t, "application/json", resp2.Header.Get("Content-Type"))
		var doc map[string]any
		data, _ := io.ReadAll(resp2.Body)
		assert.NoError(t, json.Unmarshal(data, &doc))

		resp3, err := authedRequest("GET", base1+"/export?format=xml", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp3.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
	})

	t.Run("study progress reflects the finalized consensus", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+study.ID.String()+"/progress", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data struct {
				ByStatus map[string]int `json:"by_status"`
			} `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		assert.Equal(t, 3, result.Data.ByStatus["finalized"], "two sources plus the consensus")
	})
}

func TestChecklistValidation(t *testing.T) {
	study := createStudy(t, "Validation target study")
	assignPair(t, study.ID)

	t.Run("unknown instrument", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer1Token,
			model.CreateChecklistRequest{StudyID: study.ID, Instrument: "rob-2"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(data), "unknown instrument")
	})

	t.Run("unknown mode", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer1Token,
			model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins", Mode: codePtr("crossover")})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(data), "not defined by instrument")
	})

	resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer1Token,
		model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
	require.NoError(t, err)
	c, _ := parseChecklist(t, resp, http.StatusCreated)
	base := testSrv.URL + "/v1/checklists/" + c.ID.String()

	t.Run("unknown domain", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/domains/funding/answers/q1", reviewer1Token,
			model.RecordAnswerRequest{Code: "Y"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(data), "unknown domain")
	})

	t.Run("code outside the question's set", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/domains/confounding/answers/q1", reviewer1Token,
			model.RecordAnswerRequest{Code: "MAYBE"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(data), "not allowed")
	})

	t.Run("premature completion", func(t *testing.T) {
		resp, err := authedRequest("POST", base+"/status", reviewer1Token,
			model.TransitionRequest{Status: model.StatusCompleted})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, string(data), "scoring incomplete")
	})

	t.Run("reconciliation statuses are not requestable", func(t *testing.T) {
		resp, err := authedRequest("POST", base+"/status", reviewer1Token,
			model.TransitionRequest{Status: model.StatusAwaitingReconciliation})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(data), "reconciliation workflow")
	})

	t.Run("only the owner edits", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/domains/confounding/answers/q1", reviewer2Token,
			model.RecordAnswerRequest{Code: "N"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, string(data), "only the checklist's reviewer")

		// Admins read but do not edit either.
		resp2, err := authedRequest("PUT", base+"/domains/confounding/answers/q1", adminToken,
			model.RecordAnswerRequest{Code: "N"})
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	})

	t.Run("readers cannot create checklists", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", readerToken,
			model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestOverridesAndDirections(t *testing.T) {
	study := createStudy(t, "Override target study")
	assignPair(t, study.ID)

	resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer1Token,
		model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
	require.NoError(t, err)
	c, _ := parseChecklist(t, resp, http.StatusCreated)
	base := testSrv.URL + "/v1/checklists/" + c.ID.String()

	// Automatic low on confounding first.
	resp, err = authedRequest("PUT", base+"/domains/confounding/answers/q1", reviewer1Token,
		model.RecordAnswerRequest{Code: "N"})
	require.NoError(t, err)
	_, agg := parseChecklist(t, resp, http.StatusOK)
	require.NotNil(t, agg.Domains["confounding"].Effective)
	require.Equal(t, model.JudgementLow, *agg.Domains["confounding"].Effective)

	t.Run("domain override beats the automatic judgement", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/overrides/confounding", reviewer1Token,
			model.SetOverrideRequest{Judgement: judgementPtr(model.JudgementModerate)})
		require.NoError(t, err)
		_, agg := parseChecklist(t, resp, http.StatusOK)

		ds := agg.Domains["confounding"]
		require.NotNil(t, ds.Effective)
		assert.Equal(t, model.JudgementModerate, *ds.Effective)
		assert.True(t, ds.Overridden)
		assert.Equal(t, model.SourceManual, ds.Source)
		require.NotNil(t, ds.Auto.Judgement)
		assert.Equal(t, model.JudgementLow, *ds.Auto.Judgement)
	})

	t.Run("clearing returns the domain to automatic", func(t *testing.T) {
		resp, err := authedRequest("DELETE", base+"/overrides/confounding", reviewer1Token, nil)
		require.NoError(t, err)
		_, agg := parseChecklist(t, resp, http.StatusOK)

		ds := agg.Domains["confounding"]
		require.NotNil(t, ds.Effective)
		assert.Equal(t, model.JudgementLow, *ds.Effective)
		assert.False(t, ds.Overridden)
		assert.Equal(t, model.SourceAuto, ds.Source)
	})

	t.Run("overall override wins without completing domains", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/overrides/overall", reviewer1Token,
			model.SetOverrideRequest{Judgement: judgementPtr(model.JudgementSerious)})
		require.NoError(t, err)
		_, agg := parseChecklist(t, resp, http.StatusOK)
		require.NotNil(t, agg.Overall)
		assert.Equal(t, model.JudgementSerious, *agg.Overall)
		assert.Equal(t, model.SourceManual, agg.OverallSource)

		resp2, err := authedRequest("DELETE", base+"/overrides/overall", reviewer1Token, nil)
		require.NoError(t, err)
		_, agg2 := parseChecklist(t, resp2, http.StatusOK)
		assert.Nil(t, agg2.Overall, "incomplete checklist has no automatic overall")
	})

	t.Run("unknown override scope", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/overrides/funding", reviewer1Token,
			model.SetOverrideRequest{Judgement: judgementPtr(model.JudgementLow)})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("directions on domain and overall", func(t *testing.T) {
		resp, err := authedRequest("PUT", base+"/directions/confounding", reviewer1Token,
			model.SetDirectionRequest{Direction: directionPtr(model.DirectionUpward)})
		require.NoError(t, err)
		_, agg := parseChecklist(t, resp, http.StatusOK)
		require.NotNil(t, agg.Domains["confounding"].Direction)
		assert.Equal(t, model.DirectionUpward, *agg.Domains["confounding"].Direction)

		resp2, err := authedRequest("PUT", base+"/directions/overall", reviewer1Token,
			model.SetDirectionRequest{Direction: directionPtr(model.DirectionTowardsNull)})
		require.NoError(t, err)
		_, agg2 := parseChecklist(t, resp2, http.StatusOK)
		require.NotNil(t, agg2.Direction)
		assert.Equal(t, model.DirectionTowardsNull, *agg2.Direction)

		resp3, err := authedRequest("PUT", base+"/directions/confounding", reviewer1Token,
			model.SetDirectionRequest{Direction: directionPtr("sideways")})
		require.NoError(t, err)
		defer func() { _ = resp3.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
	})
}

func TestEarlyStopGate(t *testing.T) {
	study := createStudy(t, "Gate target study")
	assignPair(t, study.ID)

	resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer1Token,
		model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
	require.NoError(t, err)
	c, _ := parseChecklist(t, resp, http.StatusCreated)
	base := testSrv.URL + "/v1/checklists/" + c.ID.String()

	// Screening verdict: critically low quality, stop here.
	resp, err = authedRequest("PUT", base+"/preliminary/screen", reviewer1Token,
		model.SetPreliminaryRequest{Value: model.PrelimValue{Choice: codePtr("critical")}})
	require.NoError(t, err)
	_, agg := parseChecklist(t, resp, http.StatusOK)
	assert.Equal(t, model.GateCritical, agg.Gate)
	require.NotNil(t, agg.Overall)
	assert.Equal(t, model.JudgementCritical, *agg.Overall)
	assert.False(t, agg.Complete, "domains untouched")

	// A gated checklist completes with no domain answers at all.
	resp, err = authedRequest("POST", base+"/status", reviewer1Token,
		model.TransitionRequest{Status: model.StatusCompleted})
	require.NoError(t, err)
	completed, _ := parseChecklist(t, resp, http.StatusOK)
	assert.Equal(t, model.StatusCompleted, completed.Status)

	t.Run("cannot-assess gate withholds the overall", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/checklists", reviewer2Token,
			model.CreateChecklistRequest{StudyID: study.ID, Instrument: "robins"})
		require.NoError(t, err)
		c2, _ := parseChecklist(t, resp, http.StatusCreated)

		resp2, err := authedRequest("PUT", testSrv.URL+"/v1/checklists/"+c2.ID.String()+"/preliminary/screen", reviewer2Token,
			model.SetPreliminaryRequest{Value: model.PrelimValue{Choice: codePtr("cannot-assess")}})
		require.NoError(t, err)
		_, agg := parseChecklist(t, resp2, http.StatusOK)
		assert.Equal(t, model.GateCannotAssess, agg.Gate)
		assert.Nil(t, agg.Overall)
	})
}

func TestAccessGrantEnforcement(t *testing.T) {
	pair := setupScoredPair(t, "Grant enforcement study")

	t.Run("reader sees no studies without a grant", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies?limit=100", readerToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data  []model.Study `json:"data"`
			Total *int          `json:"total"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		assert.Empty(t, result.Data)
		assert.Nil(t, result.Total, "restricted callers get no total")
	})

	t.Run("direct fetch reads as 404", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+pair.study.ID.String(), readerToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	var grantID uuid.UUID
	t.Run("admin grants read on the study", func(t *testing.T) {
		studyID := pair.study.ID
		resp, err := authedRequest("POST", testSrv.URL+"/v1/grants", adminToken,
			model.CreateGrantRequest{
				GranteeID:    reader.ID,
				ResourceType: "study",
				ResourceID:   &studyID,
				Permission:   "read",
			})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))

		var result struct {
			Data struct {
				ID uuid.UUID `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &result))
		grantID = result.Data.ID

		// Same grant again conflicts.
		resp2, err := authedRequest("POST", testSrv.URL+"/v1/grants", adminToken,
			model.CreateGrantRequest{
				GranteeID:    reader.ID,
				ResourceType: "study",
				ResourceID:   &studyID,
				Permission:   "read",
			})
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp2.StatusCode)
	})

	t.Run("granted reader sees study and checklists", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+pair.study.ID.String(), readerToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp2, err := authedRequest("GET", testSrv.URL+"/v1/checklists?study_id="+pair.study.ID.String(), readerToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
		var list struct {
			Data []json.RawMessage `json:"data"`
		}
		data, _ := io.ReadAll(resp2.Body)
		require.NoError(t, json.Unmarshal(data, &list))
		assert.Len(t, list.Data, 2)

		// Read access does not confer edit rights.
		resp3, err := authedRequest("PUT", testSrv.URL+"/v1/checklists/"+pair.c1.ID.String()+"/domains/confounding/answers/q1", readerToken,
			model.RecordAnswerRequest{Code: "N"})
		require.NoError(t, err)
		defer func() { _ = resp3.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp3.StatusCode)
	})

	t.Run("grants list filters by grantee", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/grants?grantee_id="+reader.ID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Data []struct {
				ID uuid.UUID `json:"id"`
			} `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &result))
		require.NotEmpty(t, result.Data)
	})

	t.Run("revoking the grant closes access again", func(t *testing.T) {
		resp, err := authedRequest("DELETE", testSrv.URL+"/v1/grants/"+grantID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp2, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+pair.study.ID.String(), readerToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	})

	t.Run("non-admins cannot manage grants", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/grants?grantee_id="+reader.ID.String(), reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestAPIKeyLifecycle(t *testing.T) {
	// Managed key issued for reviewer1.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/keys", adminToken,
		model.CreateKeyRequest{ReviewerID: reviewer1.ID, Label: "ci"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))

	var created struct {
		Data model.APIKeyWithRawKey `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	assert.True(t, strings.HasPrefix(created.Data.RawKey, "hy_"))
	assert.Equal(t, reviewer1.ID, created.Data.ReviewerID)
	keyID := created.Data.ID

	t.Run("raw key authenticates its reviewer", func(t *testing.T) {
		token := getToken(testSrv.URL, "alice@example.org", created.Data.RawKey)
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer1.ID.String(), token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("list shows the key without the secret", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/keys?reviewer_id="+reviewer1.ID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var list struct {
			Data []model.APIKey `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &list))
		require.NotEmpty(t, list.Data)
		assert.NotContains(t, string(data), created.Data.RawKey)
	})

	var rotatedRaw string
	t.Run("rotation revokes the old key", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/keys/"+keyID.String()+"/rotate", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", string(data))

		var rotated struct {
			Data model.RotateKeyResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &rotated))
		assert.Equal(t, keyID, rotated.Data.RevokedKeyID)
		rotatedRaw = rotated.Data.NewKey.RawKey
		keyID = rotated.Data.NewKey.ID

		// Old credential is dead, the new one works.
		body, _ := json.Marshal(model.AuthTokenRequest{Email: "alice@example.org", APIKey: created.Data.RawKey})
		resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

		assert.NotEmpty(t, getToken(testSrv.URL, "alice@example.org", rotatedRaw))
	})

	t.Run("revocation is terminal", func(t *testing.T) {
		resp, err := authedRequest("DELETE", testSrv.URL+"/v1/keys/"+keyID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		body, _ := json.Marshal(model.AuthTokenRequest{Email: "alice@example.org", APIKey: rotatedRaw})
		resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

		resp3, err := authedRequest("DELETE", testSrv.URL+"/v1/keys/"+keyID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp3.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp3.StatusCode)
	})

	t.Run("key management is admin-only", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/keys", reviewer1Token,
			model.CreateKeyRequest{ReviewerID: reviewer1.ID, Label: "sneaky"})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestStudyPurgeAndRetentionHolds(t *testing.T) {
	pair := setupScoredPair(t, "Purge candidate study")
	studyURL := testSrv.URL + "/v1/studies/" + pair.study.ID.String()

	var holdID uuid.UUID
	t.Run("hold blocks the purge", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/retention/holds", adminToken,
			map[string]any{
				"reason":    "litigation hold",
				"from":      time.Now().Add(-time.Hour).Format(time.RFC3339),
				"to":        time.Now().Add(24 * time.Hour).Format(time.RFC3339),
				"study_ids": []string{pair.study.ID.String()},
			})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))

		var hold struct {
			Data storage.RetentionHold `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &hold))
		holdID = hold.Data.ID
		assert.Equal(t, "litigation hold", hold.Data.Reason)

		resp2, err := authedRequest("DELETE", studyURL, adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		data2, _ := io.ReadAll(resp2.Body)
		assert.Equal(t, http.StatusConflict, resp2.StatusCode)
		assert.Contains(t, string(data2), "active retention hold")
	})

	t.Run("released hold frees the study", func(t *testing.T) {
		resp, err := authedRequest("DELETE", testSrv.URL+"/v1/retention/holds/"+holdID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		// Releasing again is a 404.
		resp2, err := authedRequest("DELETE", testSrv.URL+"/v1/retention/holds/"+holdID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	})

	t.Run("purge removes the study and its checklists", func(t *testing.T) {
		resp, err := authedRequest("DELETE", studyURL, adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", string(data))

		var result struct {
			Data struct {
				Checklists int64 `json:"checklists"`
				Studies    int64 `json:"studies"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &result))
		assert.Equal(t, int64(1), result.Data.Studies)
		assert.GreaterOrEqual(t, result.Data.Checklists, int64(2))

		resp2, err := authedRequest("GET", studyURL, adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

		resp3, err := authedRequest("GET", testSrv.URL+"/v1/checklists/"+pair.c1.ID.String(), adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp3.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
	})

	t.Run("deletes are admin-only", func(t *testing.T) {
		resp, err := authedRequest("DELETE", studyURL, reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestIntegrityProofs(t *testing.T) {
	// Give the recorder a moment to flush queued events from earlier tests.
	time.Sleep(200 * time.Millisecond)

	resp, err := authedRequest("POST", testSrv.URL+"/v1/integrity/proofs", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", string(data))

	var proof struct {
		Data storage.IntegrityProof `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &proof))
	assert.NotEmpty(t, proof.Data.RootHash)
	assert.Greater(t, proof.Data.EventCount, 0)

	resp2, err := authedRequest("GET", testSrv.URL+"/v1/integrity/proofs", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var list struct {
		Data []storage.IntegrityProof `json:"data"`
	}
	data2, _ := io.ReadAll(resp2.Body)
	require.NoError(t, json.Unmarshal(data2, &list))
	assert.NotEmpty(t, list.Data)

	t.Run("proofs are admin-only", func(t *testing.T) {
		resp, err := authedRequest("POST", testSrv.URL+"/v1/integrity/proofs", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestDashboardEndpoint(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/dashboard", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data struct {
			Studies    int            `json:"studies"`
			Reviewers  int            `json:"reviewers"`
			Checklists int            `json:"checklists"`
			ByStatus   map[string]int `json:"by_status"`
		} `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Greater(t, result.Data.Studies, 0)
	assert.GreaterOrEqual(t, result.Data.Reviewers, 4, "admin plus three fixtures")
	assert.Greater(t, result.Data.Checklists, 0)

	t.Run("reviewers cannot see the dashboard", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/dashboard", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestReviewerEndpoints(t *testing.T) {
	t.Run("own stats", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer1.ID.String()+"/stats", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var stats struct {
			Data storage.ReviewerStats `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &stats))
		assert.Greater(t, stats.Data.ChecklistCount, 0)
		assert.Contains(t, stats.Data.ByInstrument, "robins")
	})

	t.Run("stats of another reviewer are closed", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer2.ID.String()+"/stats", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		// Admins read anyone's.
		resp2, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer2.ID.String()+"/stats", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
	})

	t.Run("work queue buckets by pending action", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer1.ID.String()+"/queue", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var queue struct {
			Data struct {
				ReviewerID uuid.UUID             `json:"reviewer_id"`
				Stats      storage.ReviewerStats `json:"stats"`
			} `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &queue))
		assert.Equal(t, reviewer1.ID, queue.Data.ReviewerID)
	})

	t.Run("activity log is admin-only", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer1.ID.String()+"/activity", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp2, err := authedRequest("GET", testSrv.URL+"/v1/reviewers/"+reviewer1.ID.String()+"/activity", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
	})

	t.Run("listing reviewers is admin-only", func(t *testing.T) {
		resp, err := authedRequest("GET", testSrv.URL+"/v1/reviewers", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp2, err := authedRequest("GET", testSrv.URL+"/v1/reviewers", adminToken, nil)
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
	})
}

func TestSSESubscribeNoBroker(t *testing.T) {
	// No LISTEN/NOTIFY DSN configured, so live updates are off.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/subscribe", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// newMCPClient creates an MCP client that connects to the test server's
// /mcp endpoint with the given bearer token for authentication.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func initMCP(t *testing.T, c *mcpclient.Client) *mcplib.InitializeResult {
	t.Helper()
	result, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return result
}

// textContent returns the first text payload of a tool result.
func textContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, content := range result.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("tool result carries no text content")
	return ""
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t, reviewer1Token)
	defer func() { _ = c.Close() }()

	initResult := initMCP(t, c)
	assert.Equal(t, "hyoka", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, reviewer1Token)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 5)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["hyoka_compare"], "expected hyoka_compare tool")
	assert.True(t, toolNames["hyoka_score"], "expected hyoka_score tool")
	assert.True(t, toolNames["hyoka_study"], "expected hyoka_study tool")
	assert.True(t, toolNames["hyoka_reconcile_preview"], "expected hyoka_reconcile_preview tool")
	assert.True(t, toolNames["hyoka_recent"], "expected hyoka_recent tool")
}

func TestMCPListResources(t *testing.T) {
	c := newMCPClient(t, reviewer1Token)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	resourcesResult, err := c.ListResources(context.Background(), mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(resourcesResult.Resources), 2, "expected at least instruments and checklists/recent")
}

func TestMCPReadResources(t *testing.T) {
	c := newMCPClient(t, reviewer1Token)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	ctx := context.Background()
	result, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "hyoka://instruments"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Contents)
	if tc, ok := result.Contents[0].(mcplib.TextResourceContents); ok {
		assert.Contains(t, tc.Text, "robins")
	}

	result, err = c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "hyoka://checklists/recent"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Contents)
}

func TestMCPWorkflowTools(t *testing.T) {
	pair := setupScoredPair(t, "MCP workflow study")

	c := newMCPClient(t, reviewer1Token)
	defer func() { _ = c.Close() }()
	initMCP(t, c)
	ctx := context.Background()

	t.Run("study snapshot", func(t *testing.T) {
		result, err := c.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{
				Name:      "hyoka_study",
				Arguments: map[string]any{"study_id": pair.study.ID.String()},
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError, "study tool returned error: %v", result.Content)

		var snapshot struct {
			Study       model.Study       `json:"study"`
			Assignments []json.RawMessage `json:"assignments"`
			Checklists  []json.RawMessage `json:"checklists"`
		}
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &snapshot))
		assert.Equal(t, pair.study.ID, snapshot.Study.ID)
		assert.Len(t, snapshot.Assignments, 1)
		assert.Len(t, snapshot.Checklists, 2)
	})

	t.Run("compare pair", func(t *testing.T) {
		result, err := c.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{
				Name: "hyoka_compare",
				Arguments: map[string]any{
					"study_id":   pair.study.ID.String(),
					"instrument": "robins",
				},
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError, "compare tool returned error: %v", result.Content)

		var diff struct {
			Overall1     *model.Judgement `json:"overall1"`
			Overall2     *model.Judgement `json:"overall2"`
			OverallMatch bool             `json:"overall_match"`
		}
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &diff))
		require.NotNil(t, diff.Overall1)
		require.NotNil(t, diff.Overall2)
		assert.Equal(t, model.JudgementLow, *diff.Overall1)
		assert.Equal(t, model.JudgementSerious, *diff.Overall2)
		assert.False(t, diff.OverallMatch)
	})

	t.Run("ad-hoc scoring", func(t *testing.T) {
		answers := `{"confounding":{"q1":{"code":"Y"},"q3":{"code":"NI"}}}`
		result, err := c.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{
				Name: "hyoka_score",
				Arguments: map[string]any{
					"instrument": "robins",
					"answers":    answers,
				},
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError, "score tool returned error: %v", result.Content)

		var scored struct {
			Instrument string          `json:"instrument"`
			Mode       model.Code      `json:"mode"`
			Aggregate  model.Aggregate `json:"aggregate"`
		}
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &scored))
		assert.Equal(t, "robins", scored.Instrument)
		assert.Equal(t, model.Code("assignment"), scored.Mode)

		ds, ok := scored.Aggregate.Domains["confounding"]
		require.True(t, ok)
		require.NotNil(t, ds.Effective)
		assert.Equal(t, model.JudgementSerious, *ds.Effective)
		assert.False(t, scored.Aggregate.Complete)
	})

	t.Run("consensus preview does not persist", func(t *testing.T) {
		result, err := c.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{
				Name: "hyoka_reconcile_preview",
				Arguments: map[string]any{
					"study_id":   pair.study.ID.String(),
					"instrument": "robins",
					"selection":  `{"confounding":"reviewer2"}`,
				},
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError, "preview tool returned error: %v", result.Content)

		var preview struct {
			Aggregate model.Aggregate `json:"aggregate"`
			Persisted bool            `json:"persisted"`
		}
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &preview))
		assert.False(t, preview.Persisted)
		require.NotNil(t, preview.Aggregate.Overall)
		assert.Equal(t, model.JudgementSerious, *preview.Aggregate.Overall)

		// The pair is still awaiting; nothing was opened.
		resp, err := authedRequest("GET", testSrv.URL+"/v1/studies/"+pair.study.ID.String()+"/reconciliations", reviewer1Token, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var recs struct {
			Data []model.Reconciliation `json:"data"`
		}
		data, _ := io.ReadAll(resp.Body)
		require.NoError(t, json.Unmarshal(data, &recs))
		assert.Empty(t, recs.Data)
	})

	t.Run("recent checklists", func(t *testing.T) {
		result, err := c.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{
				Name: "hyoka_recent",
				Arguments: map[string]any{
					"study_id": pair.study.ID.String(),
					"limit":    10,
				},
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError, "recent tool returned error: %v", result.Content)

		var recent struct {
			Checklists []json.RawMessage `json:"checklists"`
			Total      int               `json:"total"`
		}
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &recent))
		assert.Equal(t, 2, recent.Total)
	})
}

func TestMCPUnauthenticated(t *testing.T) {
	resp, err := http.Post(testSrv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
