package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"portalflow/internal/arcgis"
	"portalflow/internal/workflow"
)

const (
	toolSearch    = "portal.search"
	toolAuditApps = "portal.audit_apps"
)

// Portal is the read-only surface the tools need.
type Portal interface {
	SearchAll(ctx context.Context, params arcgis.SearchParams) ([]arcgis.Item, error)
	RegisteredAppInfo(ctx context.Context, owner, id string) (*arcgis.AppInfo, error)
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case toolSearch:
		var in struct {
			Title string `json:"title"`
			Owner string `json:"owner"`
			Type  string `json:"type"`
			Query string `json:"query"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		q := in.Query
		if q == "" {
			b := arcgis.NewQuery()
			if in.Title != "" {
				b.Match("title", in.Title)
			}
			if in.Owner != "" {
				b.Match("owner", in.Owner)
			}
			if in.Type != "" {
				b.Match("type", in.Type)
			}
			q = b.String()
		}
		if q == "" {
			return nil, fmt.Errorf("one of title, owner, type or query is required")
		}
		items, err := s.opts.Portal.SearchAll(ctx, arcgis.SearchParams{Query: q, Num: s.opts.PageSize})
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []arcgis.Item{}
		}
		return map[string]any{"query": q, "total": len(items), "results": items}, nil

	case toolAuditApps:
		var in struct {
			OrgID string `json:"org_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		org := in.OrgID
		if org == "" {
			org = s.opts.OrgID
		}
		records, err := workflow.AuditApps(ctx, s.opts.Portal, workflow.AuditOptions{
			OrgID:       org,
			PageSize:    s.opts.PageSize,
			Concurrency: s.opts.Concurrency,
			ItemPageURL: s.opts.ItemPageURL,
			Logger:      s.logger,
		})
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []workflow.AppRecord{}
		}
		return map[string]any{"org_id": org, "apps": records}, nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
