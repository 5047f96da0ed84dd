package arcgis

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"portalflow/internal/fault"
)

type Access string

const (
	AccessPrivate Access = "private"
	AccessOrg     Access = "org"
	AccessPublic  Access = "public"
)

func ParseAccess(s string) (Access, error) {
	switch a := Access(strings.ToLower(strings.TrimSpace(s))); a {
	case AccessPrivate, AccessOrg, AccessPublic:
		return a, nil
	}
	return "", fmt.Errorf("access must be one of private, org, public; got %q", s)
}

// DeleteItem removes an item owned by owner.
func (c *Client) DeleteItem(ctx context.Context, owner, id string) error {
	var resp struct {
		Success bool   `json:"success"`
		ItemID  string `json:"itemId"`
	}
	if err := c.write(ctx, "delete", c.userContentURL(owner, "items", id, "delete"), nil, &resp); err != nil {
		return withResource(err, id)
	}
	if !resp.Success {
		return withResource(fault.Remote("delete", 200, 0, "portal reported failure"), id)
	}
	return nil
}

type AddItemParams struct {
	Owner    string
	Title    string
	Type     string
	Tags     []string
	Filename string
	Content  []byte
}

type AddItemResult struct {
	ID     string `json:"id"`
	Folder string `json:"folder"`
}

// AddItem uploads a file and creates an item for it.
func (c *Client) AddItem(ctx context.Context, p AddItemParams) (*AddItemResult, error) {
	if p.Title == "" || p.Type == "" {
		return nil, fmt.Errorf("addItem: title and type are required")
	}
	params := url.Values{}
	params.Set("title", p.Title)
	params.Set("type", p.Type)
	if len(p.Tags) > 0 {
		params.Set("tags", strings.Join(p.Tags, ","))
	}
	filename := p.Filename
	if filename == "" {
		filename = "upload"
	}

	var resp struct {
		Success bool `json:"success"`
		AddItemResult
	}
	if err := c.upload(ctx, "addItem", c.userContentURL(p.Owner, "addItem"), params, "file", filename, p.Content, &resp); err != nil {
		return nil, withResource(err, p.Title)
	}
	if !resp.Success || resp.ID == "" {
		return nil, withResource(fault.Remote("addItem", 200, 0, "portal reported failure"), p.Title)
	}
	return &resp.AddItemResult, nil
}

// GetItem fetches item metadata by id.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var it Item
	if err := c.read(ctx, "getItem", c.portal+"/content/items/"+url.PathEscape(id), nil, &it); err != nil {
		return nil, withResource(err, id)
	}
	return &it, nil
}

type AccessResult struct {
	ItemID string `json:"itemId"`
	Access Access `json:"access"`
}

// SetAccess changes who can see an item.
func (c *Client) SetAccess(ctx context.Context, owner, id string, access Access) (*AccessResult, error) {
	params := url.Values{}
	params.Set("everyone", fmt.Sprint(access == AccessPublic))
	params.Set("org", fmt.Sprint(access == AccessPublic || access == AccessOrg))
	params.Set("groups", "")

	var resp struct {
		ItemID        string   `json:"itemId"`
		NotSharedWith []string `json:"notSharedWith"`
	}
	if err := c.write(ctx, "setAccess", c.userContentURL(owner, "items", id, "share"), params, &resp); err != nil {
		return nil, withResource(err, id)
	}
	if len(resp.NotSharedWith) > 0 {
		return nil, withResource(fault.Remote("setAccess", 200, 0, "not shared with "+strings.Join(resp.NotSharedWith, ", ")), id)
	}
	itemID := resp.ItemID
	if itemID == "" {
		itemID = id
	}
	return &AccessResult{ItemID: itemID, Access: access}, nil
}

// AppInfo is the registration of an OAuth application item.
type AppInfo struct {
	ItemID       string   `json:"itemId"`
	ClientID     string   `json:"client_id"`
	AppType      string   `json:"appType"`
	RedirectURIs []string `json:"redirect_uris"`
	Privileges   []string `json:"privileges"`
}

// RegisteredAppInfo fetches the OAuth registration of an application item.
func (c *Client) RegisteredAppInfo(ctx context.Context, owner, id string) (*AppInfo, error) {
	var info AppInfo
	if err := c.read(ctx, "registeredAppInfo", c.userContentURL(owner, "items", id, "registeredAppInfo"), nil, &info); err != nil {
		return nil, withResource(err, id)
	}
	if info.ItemID == "" {
		info.ItemID = id
	}
	return &info, nil
}

func withResource(err error, resource string) error {
	if fe := fault.As(err); fe != nil && fe.Resource == "" {
		fe.Resource = resource
	}
	return err
}
