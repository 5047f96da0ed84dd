package workflow

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"portalflow/internal/arcgis"
)

type AppLister interface {
	SearchAll(ctx context.Context, params arcgis.SearchParams) ([]arcgis.Item, error)
	RegisteredAppInfo(ctx context.Context, owner, id string) (*arcgis.AppInfo, error)
}

type AuditOptions struct {
	OrgID       string
	PageSize    int
	Concurrency int
	// ItemPageURL is the portal's item details page, used for Link.
	ItemPageURL string
	Logger      *log.Logger
}

type AppRecord struct {
	Title        string   `json:"title"`
	ItemID       string   `json:"itemId"`
	Owner        string   `json:"owner"`
	ClientID     string   `json:"clientId"`
	AppType      string   `json:"appType"`
	RedirectURIs []string `json:"redirectUris"`
	Link         string   `json:"link"`
}

// AppsQuery selects the registered applications of org.
func AppsQuery(orgID string) string {
	return arcgis.NewQuery().
		Match("type", "Application").And().
		Match("typekeywords", "Application").And().
		Match("typekeywords", "Registered App").And().
		Match("orgid", orgID).
		String()
}

// AuditApps lists the registered applications of an organization with
// their OAuth registration. Registration lookups run concurrently and the
// first failure cancels the rest.
func AuditApps(ctx context.Context, portal AppLister, opts AuditOptions) ([]AppRecord, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.OrgID == "" {
		return nil, fmt.Errorf("audit apps: organization id is required")
	}
	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}

	items, err := portal.SearchAll(ctx, arcgis.SearchParams{Query: AppsQuery(opts.OrgID), Num: opts.PageSize})
	if err != nil {
		return nil, fmt.Errorf("audit apps: %w", err)
	}
	logger.Info("found registered apps", "count", len(items), "org", opts.OrgID)

	records := make([]AppRecord, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, it := range items {
		g.Go(func() error {
			info, err := portal.RegisteredAppInfo(gctx, it.Owner, it.ID)
			if err != nil {
				return fmt.Errorf("audit app %q: %w", it.Title, err)
			}
			records[i] = AppRecord{
				Title:        it.Title,
				ItemID:       it.ID,
				Owner:        it.Owner,
				ClientID:     info.ClientID,
				AppType:      info.AppType,
				RedirectURIs: info.RedirectURIs,
				Link:         itemLink(opts.ItemPageURL, it.ID),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func itemLink(pageURL, id string) string {
	if pageURL == "" {
		return ""
	}
	return pageURL + "?id=" + id
}

// RenderApps formats records as a bordered table, one row per app.
func RenderApps(records []AppRecord) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TITLE", "ITEM ID", "REDIRECT URIS", "LINK")
	for _, r := range records {
		uris := strings.Join(r.RedirectURIs, "\n")
		if uris == "" {
			uris = "-"
		}
		t.Row(r.Title, r.ItemID, uris, r.Link)
	}
	return t.String()
}
