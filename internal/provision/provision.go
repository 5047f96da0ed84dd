// Package provision keeps one live copy of a named portal resource. A run
// deletes every existing resource with the same title and owner, creates a
// fresh one, derives services from it and optionally shares them.
package provision

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"portalflow/internal/arcgis"
)

type Kind string

const (
	KindItem     Kind = "item"
	KindService  Kind = "service"
	KindOAuthApp Kind = "oauth-app"
)

// Descriptor identifies a resource by name, owner and kind. An empty Owner
// means the signed-in user.
type Descriptor struct {
	Name  string
	Owner string
	Kind  Kind
}

// Portal is the part of the portal API the provisioner drives directly.
// *arcgis.Client bound to a session satisfies it.
type Portal interface {
	SearchAll(ctx context.Context, params arcgis.SearchParams) ([]arcgis.Item, error)
	DeleteItem(ctx context.Context, owner, id string) error
	SetAccess(ctx context.Context, owner, id string, access arcgis.Access) (*arcgis.AccessResult, error)
}

// Artifact is what the creator and each step hand to the next step.
type Artifact struct {
	ItemID string
	// URL is the service URL when the artifact is a hosted service.
	URL               string
	PublishParameters map[string]any
	Services          []arcgis.PublishedService
	Count             *int
}

// ServiceURL returns the first published service, falling back to the
// artifact's own URL.
func (a Artifact) ServiceURL() string {
	if len(a.Services) > 0 {
		return a.Services[0].ServiceURL
	}
	return a.URL
}

// Creator makes the resource after the old copies are gone.
type Creator func(ctx context.Context, d Descriptor) (Artifact, error)

// Step derives a new artifact from the previous one.
type Step struct {
	Name  string
	Apply func(ctx context.Context, d Descriptor, prev Artifact) (Artifact, error)
}

// Plan is everything a run needs besides the session.
type Plan struct {
	Descriptor Descriptor
	Create     Creator
	Steps      []Step
	// Access shares the produced services when set.
	Access arcgis.Access
}

type Outcome struct {
	CreatedID      string   `json:"createdId"`
	ServiceURL     string   `json:"serviceUrl,omitempty"`
	PublishedURLs  []string `json:"publishedUrls,omitempty"`
	ServiceItemIDs []string `json:"serviceItemIds,omitempty"`
	FeatureCount   *int     `json:"featureCount,omitempty"`
}

func (o Outcome) clone() Outcome {
	o.PublishedURLs = append([]string(nil), o.PublishedURLs...)
	o.ServiceItemIDs = append([]string(nil), o.ServiceItemIDs...)
	if o.FeatureCount != nil {
		n := *o.FeatureCount
		o.FeatureCount = &n
	}
	return o
}

type Provisioner struct {
	portal   Portal
	settle   Fence
	logger   *log.Logger
	limit    int
	pageSize int
	now      func() time.Time
}

type Option func(*Provisioner)

func WithLogger(l *log.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSettleFence sets how EnsureClean waits for deletes to take effect.
func WithSettleFence(f Fence) Option {
	return func(p *Provisioner) {
		if f != nil {
			p.settle = f
		}
	}
}

// WithConcurrency bounds the parallel deletes and shares.
func WithConcurrency(n int) Option {
	return func(p *Provisioner) {
		if n > 0 {
			p.limit = n
		}
	}
}

func WithPageSize(n int) Option {
	return func(p *Provisioner) {
		if n > 0 && n <= arcgis.MaxPageSize {
			p.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

func New(portal Portal, opts ...Option) *Provisioner {
	p := &Provisioner{
		portal:   portal,
		settle:   FixedDelay{Delay: 2 * time.Second},
		logger:   log.New(io.Discard),
		limit:    8,
		pageSize: arcgis.MaxPageSize,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func owner(sess *arcgis.Session, d Descriptor) string {
	if d.Owner != "" {
		return d.Owner
	}
	return sess.Username()
}
