package arcgis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MaxPageSize is the largest page the portal returns for a search.
const MaxPageSize = 100

type Item struct {
	ID           string   `json:"id"`
	Owner        string   `json:"owner"`
	OrgID        string   `json:"orgId"`
	Title        string   `json:"title"`
	Type         string   `json:"type"`
	TypeKeywords []string `json:"typeKeywords"`
	URL          string   `json:"url"`
	Access       string   `json:"access"`
	Created      int64    `json:"created"`
	Modified     int64    `json:"modified"`
}

type SearchParams struct {
	Query     string
	Num       int
	Start     int
	SortField string
	SortOrder string
}

// SearchPage is one page of search results. NextStart is -1 on the last
// page.
type SearchPage struct {
	Total     int    `json:"total"`
	Start     int    `json:"start"`
	Num       int    `json:"num"`
	NextStart int    `json:"nextStart"`
	Results   []Item `json:"results"`

	client *Client
	params SearchParams
}

// HasNext reports whether another page follows. A nextStart that does not
// move forward is treated as the end to avoid looping forever.
func (p *SearchPage) HasNext() bool {
	return p.NextStart > 0 && p.NextStart > p.Start
}

// Next fetches the following page.
func (p *SearchPage) Next(ctx context.Context) (*SearchPage, error) {
	if !p.HasNext() {
		return nil, fmt.Errorf("search: no next page")
	}
	params := p.params
	params.Start = p.NextStart
	return p.client.Search(ctx, params)
}

// Search returns a single page.
func (c *Client) Search(ctx context.Context, params SearchParams) (*SearchPage, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	num := params.Num
	if num <= 0 || num > MaxPageSize {
		num = MaxPageSize
	}
	start := params.Start
	if start <= 0 {
		start = 1
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("num", strconv.Itoa(num))
	q.Set("start", strconv.Itoa(start))
	if params.SortField != "" {
		q.Set("sortField", params.SortField)
	}
	if params.SortOrder != "" {
		q.Set("sortOrder", params.SortOrder)
	}

	page := &SearchPage{}
	if err := c.read(ctx, "search", c.portal+"/search", q, page); err != nil {
		return nil, err
	}
	page.client = c
	page.params = params
	page.params.Num = num
	if page.Start == 0 {
		page.Start = start
	}
	return page, nil
}

// SearchAll drains every page of a search and returns the concatenated
// results in page order.
func (c *Client) SearchAll(ctx context.Context, params SearchParams) ([]Item, error) {
	page, err := c.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	items := append([]Item(nil), page.Results...)
	for page.HasNext() {
		page, err = page.Next(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Results...)
	}
	return items, nil
}

// Query composes portal search expressions such as
// title:"Parks" AND owner:"jsmith".
type Query struct {
	b       strings.Builder
	pending bool
}

func NewQuery() *Query { return &Query{} }

// Match appends field:"value". Consecutive matches without an explicit
// operator are joined with AND.
func (q *Query) Match(field, value string) *Query {
	if q.b.Len() > 0 && !q.pending {
		q.b.WriteString(" AND ")
	}
	q.b.WriteString(field)
	q.b.WriteString(`:"`)
	q.b.WriteString(strings.ReplaceAll(value, `"`, `\"`))
	q.b.WriteString(`"`)
	q.pending = false
	return q
}

func (q *Query) And() *Query { return q.op("AND") }

func (q *Query) Or() *Query { return q.op("OR") }

func (q *Query) op(name string) *Query {
	if q.b.Len() == 0 || q.pending {
		return q
	}
	q.b.WriteString(" " + name + " ")
	q.pending = true
	return q
}

func (q *Query) String() string {
	return strings.TrimSuffix(strings.TrimSuffix(q.b.String(), " AND "), " OR ")
}

// TitleOwnerQuery matches items titled title and owned by owner.
func TitleOwnerQuery(title, owner string) string {
	return NewQuery().Match("title", title).And().Match("owner", owner).String()
}
