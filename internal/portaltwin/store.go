package portaltwin

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type item struct {
	ID           string   `json:"id"`
	Owner        string   `json:"owner"`
	OrgID        string   `json:"orgId"`
	Title        string   `json:"title"`
	Type         string   `json:"type"`
	TypeKeywords []string `json:"typeKeywords"`
	Tags         []string `json:"tags"`
	URL          string   `json:"url"`
	Access       string   `json:"access"`
	Created      int64    `json:"created"`
	Modified     int64    `json:"modified"`

	data    []byte
	app     *App
	deleted bool
	// lag counts the searches a deleted item still shows up in.
	lag int
}

type feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   map[string]any `json:"geometry,omitempty"`
}

type service struct {
	name   string
	itemID string
	owner  string
	layers []map[string]any
	// features per layer index
	features map[int][]feature
	nextOID  int64
	// lag counts the count queries that fail before the service is ready.
	lag int
}

// App is the OAuth registration attached to an application item.
type App struct {
	ClientID     string
	AppType      string
	RedirectURIs []string
	Privileges   []string
}

// Seed describes an item placed in the twin before a test runs.
type Seed struct {
	ID    string
	Owner string
	Title string
	Type  string
	// TypeKeywords default to the type's usual keywords when empty.
	TypeKeywords []string
	Access       string
	Data         []byte
	App          *App
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SeedItem stores an item and returns its id.
func (t *Twin) SeedItem(s Seed) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	it := t.putItemLocked(s)
	return it.ID
}

// SeedService stores a feature service item with the given features in
// layer 0 and returns the item id and service URL path. The URL path is
// relative to the twin's base URL.
func (t *Twin) SeedService(owner, title string, features int) (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it := t.putItemLocked(Seed{Owner: owner, Title: title, Type: "Feature Service"})
	svc := t.newServiceLocked(serviceName(title), it)
	svc.layers = []map[string]any{{"id": 0, "name": title}}
	for i := 0; i < features; i++ {
		svc.add(0, feature{Attributes: map[string]any{"name": fmt.Sprintf("feature %d", i+1)}})
	}
	return it.ID, it.URL
}

// SeedApp stores a registered OAuth application in owner's org.
func (t *Twin) SeedApp(owner, title string, app App) string {
	return t.SeedItem(Seed{
		Owner:        owner,
		Title:        title,
		Type:         "Application",
		TypeKeywords: []string{"Application", "Registered App"},
		App:          &app,
	})
}

// Live returns the ids of undeleted items with exactly this owner and title.
func (t *Twin) Live(owner, title string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, id := range t.order {
		it := t.items[id]
		if !it.deleted && it.Owner == owner && it.Title == title {
			ids = append(ids, id)
		}
	}
	return ids
}

// FeatureCount returns the number of features in layer 0 of the named
// service, or -1 when there is no such service.
func (t *Twin) FeatureCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, ok := t.services[name]
	if !ok {
		return -1
	}
	return len(svc.features[0])
}

func (t *Twin) putItemLocked(s Seed) *item {
	id := s.ID
	if id == "" {
		id = newID()
	}
	org := "org1"
	if u, ok := t.users[s.Owner]; ok {
		org = u.OrgID
	}
	access := s.Access
	if access == "" {
		access = "private"
	}
	kw := s.TypeKeywords
	if len(kw) == 0 {
		kw = defaultKeywords(s.Type)
	}
	now := t.now().UnixMilli()
	it := &item{
		ID:           id,
		Owner:        s.Owner,
		OrgID:        org,
		Title:        s.Title,
		Type:         s.Type,
		TypeKeywords: kw,
		Access:       access,
		Created:      now,
		Modified:     now,
		data:         s.Data,
		app:          s.App,
	}
	if _, exists := t.items[id]; !exists {
		t.order = append(t.order, id)
	}
	t.items[id] = it
	return it
}

func (t *Twin) newServiceLocked(name string, it *item) *service {
	svc := &service{
		name:     name,
		itemID:   it.ID,
		owner:    it.Owner,
		features: make(map[int][]feature),
		lag:      t.opts.PublishLag,
	}
	t.services[name] = svc
	it.URL = ServicesPath + "/" + name + "/FeatureServer"
	return svc
}

func (s *service) add(layer int, f feature) int64 {
	s.nextOID++
	if f.Attributes == nil {
		f.Attributes = map[string]any{}
	}
	f.Attributes["OBJECTID"] = s.nextOID
	s.features[layer] = append(s.features[layer], f)
	return s.nextOID
}

func defaultKeywords(typ string) []string {
	switch typ {
	case "Feature Service":
		return []string{"ArcGIS Server", "Data", "Feature Access", "Service", "Hosted Service"}
	case "CSV":
		return []string{"CSV"}
	case "Application":
		return []string{"Application"}
	}
	return nil
}

// serviceName turns a title into a service name the way the portal does:
// characters other than letters, digits and underscores become underscores.
func serviceName(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func csvHeader(data []byte) []string {
	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil
	}
	return header
}

// csvFeatures reads one feature per data row. Latitude and longitude
// columns, when present, become point geometry.
func csvFeatures(data []byte) ([]feature, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	out := make([]feature, 0, len(rows)-1)
	for _, row := range rows[1:] {
		f := feature{Attributes: map[string]any{}}
		var x, y *float64
		for i, col := range header {
			if i >= len(row) {
				break
			}
			f.Attributes[col] = row[i]
			v, err := strconv.ParseFloat(row[i], 64)
			if err != nil {
				continue
			}
			switch strings.ToLower(col) {
			case "longitude", "lon", "x":
				x = &v
			case "latitude", "lat", "y":
				y = &v
			}
		}
		if x != nil && y != nil {
			f.Geometry = map[string]any{"x": *x, "y": *y, "spatialReference": map[string]any{"wkid": 4326}}
		}
		out = append(out, f)
	}
	return out, nil
}
