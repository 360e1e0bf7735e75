package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/model"
)

func readResource(t *testing.T, uri string, handler func(context.Context, mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error)) string {
	t.Helper()
	contents, err := handler(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "contents should be TextResourceContents")
	assert.Equal(t, uri, tc.URI)
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestInstrumentsResource(t *testing.T) {
	text := readResource(t, "hyoka://instruments", testServer.handleInstrumentsResource)

	var summaries []struct {
		Key       string `json:"key"`
		Domains   int    `json:"domains"`
		Questions int    `json:"questions"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &summaries))
	require.Len(t, summaries, 2)

	byKey := map[string]int{}
	for _, s := range summaries {
		byKey[s.Key] = s.Questions
		assert.Positive(t, s.Domains)
		assert.Positive(t, s.Questions)
	}
	assert.Contains(t, byKey, "robins")
	assert.Contains(t, byKey, "amstar2")
}

func TestInstrumentResource(t *testing.T) {
	text := readResource(t, "hyoka://instrument/robins", testServer.handleInstrumentResource)

	var in struct {
		Key     string           `json:"key"`
		Domains []map[string]any `json:"domains"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &in))
	assert.Equal(t, "robins", in.Key)
	assert.NotEmpty(t, in.Domains, "full definition should include the domains")
}

func TestInstrumentResource_Unknown(t *testing.T) {
	_, err := testServer.handleInstrumentResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "hyoka://instrument/newcastle-ottawa"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instrument")
}

func TestInstrumentResource_BadURI(t *testing.T) {
	_, err := testServer.handleInstrumentResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "hyoka://instruments"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid instrument URI")
}

func TestRecentChecklistsResource(t *testing.T) {
	r := createReviewer(t, "resource-recent")
	study := createStudy(t, r.ID)
	_, _, err := testSvc.Create(context.Background(), r.ID, model.CreateChecklistRequest{
		StudyID:    study.ID,
		Instrument: "robins",
	}, testMeta(r.ID))
	require.NoError(t, err)

	text := readResource(t, "hyoka://checklists/recent", testServer.handleRecentChecklistsResource)

	var compact []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &compact))
	assert.NotEmpty(t, compact)

	// Compact form only: no answer maps in the payload.
	for _, c := range compact {
		assert.NotContains(t, c, "domains")
		assert.Contains(t, c, "status")
	}
}
