package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/ctxutil"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

func (s *Server) registerResources() {
	// hyoka://instruments — the registered instruments in summary form.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hyoka://instruments",
			"Instruments",
			mcplib.WithResourceDescription("Registered assessment instruments with their modes and domain counts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleInstrumentsResource,
	)

	// hyoka://instrument/{key} — one instrument's full definition.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"hyoka://instrument/{key}",
			"Instrument Definition",
			mcplib.WithTemplateDescription("Full definition of one instrument: preliminary fields, domains, signalling questions and judgement rules"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleInstrumentResource,
	)

	// hyoka://checklists/recent — recently updated checklists.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hyoka://checklists/recent",
			"Recent Checklists",
			mcplib.WithResourceDescription("Recently updated checklists across all accessible studies"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentChecklistsResource,
	)
}

func (s *Server) handleInstrumentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	type summary struct {
		Key       string       `json:"key"`
		Title     string       `json:"title"`
		Modes     []model.Code `json:"modes,omitempty"`
		Domains   int          `json:"domains"`
		Questions int          `json:"questions"`
	}

	summaries := make([]summary, 0, len(schema.Keys()))
	for _, key := range schema.Keys() {
		in, _ := schema.Get(key)
		questions := 0
		for i := range in.Domains {
			questions += len(in.Domains[i].Questions)
		}
		summaries = append(summaries, summary{
			Key:       in.Key,
			Title:     in.Title,
			Modes:     in.Modes,
			Domains:   len(in.Domains),
			Questions: questions,
		})
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal instruments: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hyoka://instruments",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleInstrumentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	key := strings.TrimPrefix(uri, "hyoka://instrument/")
	if key == "" || key == uri {
		return nil, fmt.Errorf("mcp: invalid instrument URI: %s", uri)
	}

	in, ok := schema.Get(key)
	if !ok {
		return nil, fmt.Errorf("mcp: unknown instrument %q (known: %s)", key, strings.Join(schema.Keys(), ", "))
	}

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal instrument: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentChecklistsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	page, err := s.db.ListChecklists(ctx, model.ChecklistFilters{}, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent checklists: %w", err)
	}

	items := page.Items
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		items, err = authz.FilterChecklists(ctx, s.db, claims, items, s.grantCache)
		if err != nil {
			return nil, fmt.Errorf("mcp: recent checklists: %w", err)
		}
	}

	compact := make([]map[string]any, 0, len(items))
	for _, c := range items {
		compact = append(compact, compactChecklist(c, s.checklistSvc.Score(ctx, c)))
	}

	data, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal checklists: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hyoka://checklists/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
