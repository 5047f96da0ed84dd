package provision

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
)

type DeleteFailure struct {
	Item arcgis.Item
	Err  error
}

type CleanReport struct {
	Matches []arcgis.Item
	Deleted []arcgis.Item
	Failed  []DeleteFailure
}

// Errors returns the delete failures as errors.
func (r *CleanReport) Errors() []error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// EnsureClean deletes every resource titled d.Name and owned by the
// session user, then waits for the deletes to settle. Failed deletes are
// reported, not returned.
func (p *Provisioner) EnsureClean(ctx context.Context, sess *arcgis.Session, d Descriptor) (*CleanReport, error) {
	if err := requireSession(sess, "ensureClean", d.Name); err != nil {
		return nil, err
	}
	matches, err := p.findExisting(ctx, sess, d)
	if err != nil {
		return nil, err
	}
	return p.clean(ctx, sess, d, matches)
}

func (p *Provisioner) searchParams(sess *arcgis.Session, d Descriptor) arcgis.SearchParams {
	return arcgis.SearchParams{
		Query: arcgis.TitleOwnerQuery(d.Name, owner(sess, d)),
		Num:   p.pageSize,
	}
}

// findExisting drains the search and keeps exact title and owner matches;
// the portal's title match is fuzzy.
func (p *Provisioner) findExisting(ctx context.Context, sess *arcgis.Session, d Descriptor) ([]arcgis.Item, error) {
	p.logger.Info("checking for existing items", "title", d.Name, "owner", owner(sess, d))
	items, err := p.portal.SearchAll(ctx, p.searchParams(sess, d))
	if err != nil {
		return nil, withOp(err, "search", d.Name)
	}
	var out []arcgis.Item
	for _, it := range items {
		if it.Title == d.Name && it.Owner == owner(sess, d) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (p *Provisioner) clean(ctx context.Context, sess *arcgis.Session, d Descriptor, matches []arcgis.Item) (*CleanReport, error) {
	report := &CleanReport{Matches: matches}
	if len(matches) == 0 {
		p.logger.Info("no existing items found")
		return report, nil
	}

	errs := make([]error, len(matches))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, it := range matches {
		g.Go(func() error {
			p.logger.Info("deleting item", "type", it.Type, "id", it.ID, "title", it.Title)
			errs[i] = p.portal.DeleteItem(ctx, it.Owner, it.ID)
			return nil
		})
	}
	_ = g.Wait()

	for i, it := range matches {
		if errs[i] != nil {
			p.logger.Warn("delete failed", "id", it.ID, "err", errs[i])
			report.Failed = append(report.Failed, DeleteFailure{Item: it, Err: errs[i]})
			continue
		}
		report.Deleted = append(report.Deleted, it)
	}
	if len(report.Deleted) == 0 {
		return report, nil
	}

	gone := make(map[string]bool, len(report.Deleted))
	for _, it := range report.Deleted {
		gone[it.ID] = true
	}
	err := p.settle.Await(ctx, d.Name, func(ctx context.Context) (bool, error) {
		items, err := p.portal.SearchAll(ctx, p.searchParams(sess, d))
		if err != nil {
			return false, err
		}
		for _, it := range items {
			if gone[it.ID] {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return report, withOp(err, "settle deletes", d.Name)
	}
	p.logger.Info(fmt.Sprintf("deleted %d existing items", len(report.Deleted)))
	return report, nil
}

// withOp wraps unclassified errors so they carry the failing action.
func withOp(err error, op, resource string) error {
	if fault.As(err) != nil {
		return err
	}
	return fault.Wrap(op, resource, err)
}
