// Package portaltwin is an in-memory stand-in for the portal REST API. It
// serves the subset of endpoints portalflow uses, keeps a journal of calls,
// and can simulate the portal's indexing lag after deletes and publishes.
package portaltwin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	// PortalPath is the REST root of the portal under the twin's base URL.
	PortalPath = "/sharing/rest"
	// ServicesPath is where hosted feature services live.
	ServicesPath = "/arcgis/rest/services"
	adminPath    = "/arcgis/rest/admin/services"

	defaultPageCap = 100
)

type User struct {
	Username    string
	Password    string
	FullName    string
	OrgID       string
	LicenseType string
}

type Options struct {
	Users []User
	// PageCap caps the page size regardless of the requested num.
	PageCap int
	// DeleteLag keeps deleted items visible in this many subsequent searches.
	DeleteLag int
	// PublishLag makes this many count queries against a new service fail
	// before it starts answering.
	PublishLag int
	Logger     *log.Logger
	Clock      func() time.Time
}

// Call is one journaled request.
type Call struct {
	Op     string
	Owner  string
	ItemID string
	Params url.Values
}

type Twin struct {
	mu       sync.Mutex
	opts     Options
	users    map[string]User
	tokens   map[string]string
	items    map[string]*item
	order    []string
	services map[string]*service
	calls    []Call
	logger   *log.Logger
	now      func() time.Time
}

func New(opts Options) *Twin {
	if opts.PageCap <= 0 || opts.PageCap > defaultPageCap {
		opts.PageCap = defaultPageCap
	}
	t := &Twin{
		opts:     opts,
		users:    make(map[string]User),
		tokens:   make(map[string]string),
		items:    make(map[string]*item),
		services: make(map[string]*service),
		logger:   opts.Logger,
		now:      opts.Clock,
	}
	if t.logger == nil {
		t.logger = log.New(io.Discard)
	}
	if t.now == nil {
		t.now = time.Now
	}
	for _, u := range opts.Users {
		t.AddUser(u)
	}
	return t
}

// NewServer starts t on a local listener. The caller closes the server.
func NewServer(t *Twin) *httptest.Server {
	return httptest.NewServer(t.Handler())
}

// PortalURL returns the portal REST root for a twin served at baseURL.
func PortalURL(baseURL string) string {
	return baseURL + PortalPath
}

func (t *Twin) AddUser(u User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.OrgID == "" {
		u.OrgID = "org1"
	}
	if u.LicenseType == "" {
		u.LicenseType = "creatorUT"
	}
	t.users[u.Username] = u
}

// IssueToken mints a token for an existing user without a sign-in call.
func (t *Twin) IssueToken(username string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issueTokenLocked(username)
}

// Calls returns the journaled calls for op, or all calls when op is empty.
func (t *Twin) Calls(op string) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the journal.
func (t *Twin) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

func (t *Twin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(t.requestLog)

	r.Route(PortalPath, func(r chi.Router) {
		r.Post("/generateToken", t.generateToken)
		r.Group(func(r chi.Router) {
			r.Use(t.tokenAuth)
			r.Get("/community/self", t.self)
			r.Get("/search", t.search)
			r.Get("/content/items/{id}", t.getItem)
			r.Post("/content/features/analyze", t.analyze)
			r.Route("/content/users/{owner}", func(r chi.Router) {
				r.Post("/addItem", t.addItem)
				r.Post("/createService", t.createService)
				r.Post("/publish", t.publish)
				r.Post("/items/{id}/delete", t.deleteItem)
				r.Post("/items/{id}/share", t.share)
				r.Get("/items/{id}/registeredAppInfo", t.registeredAppInfo)
			})
		})
	})
	r.Route(ServicesPath+"/{service}/FeatureServer/{layer}", func(r chi.Router) {
		r.Use(t.tokenAuth)
		r.Get("/query", t.query)
		r.Post("/query", t.query)
		r.Post("/addFeatures", t.addFeatures)
		r.Post("/deleteFeatures", t.deleteFeatures)
	})
	r.With(t.tokenAuth).Post(adminPath+"/{service}/FeatureServer/addToDefinition", t.addToDefinition)
	return r
}

func (t *Twin) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		t.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (t *Twin) record(op, owner, itemID string, r *http.Request) {
	params := url.Values{}
	for k, v := range r.Form {
		if k == "token" || k == "password" {
			continue
		}
		params[k] = append([]string(nil), v...)
	}
	t.calls = append(t.calls, Call{Op: op, Owner: owner, ItemID: itemID, Params: params})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers the way the portal does: HTTP 200 with an error body.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": []string{},
		},
	})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
