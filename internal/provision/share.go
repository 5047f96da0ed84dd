package provision

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"portalflow/internal/arcgis"
)

type ShareFailure struct {
	ItemID string
	Err    error
}

type ShareReport struct {
	Skipped bool
	Reason  string
	Shared  []arcgis.AccessResult
	Failed  []ShareFailure
}

// Share sets access on every service item of the outcome. Location
// platform accounts cannot share publicly, so public sharing is skipped for
// them without calling the portal. Any failed share fails the call.
func (p *Provisioner) Share(ctx context.Context, sess *arcgis.Session, d Descriptor, out Outcome, access arcgis.Access) (*ShareReport, error) {
	if err := requireSession(sess, "share", d.Name); err != nil {
		return nil, err
	}
	if access == arcgis.AccessPublic && !sess.CanSharePublicly() {
		reason := "sharing publicly is not available for location platform accounts"
		p.logger.Info(reason, "license", sess.User.LicenseType)
		return &ShareReport{Skipped: true, Reason: reason}, nil
	}
	ids := out.ServiceItemIDs
	if len(ids) == 0 {
		return &ShareReport{Skipped: true, Reason: "nothing to share"}, nil
	}

	results := make([]*arcgis.AccessResult, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, id := range ids {
		g.Go(func() error {
			results[i], errs[i] = p.portal.SetAccess(ctx, owner(sess, d), id, access)
			return nil
		})
	}
	_ = g.Wait()

	report := &ShareReport{}
	for i, id := range ids {
		if errs[i] != nil {
			report.Failed = append(report.Failed, ShareFailure{ItemID: id, Err: withOp(errs[i], "setAccess", id)})
			continue
		}
		p.logger.Info("shared item", "id", id, "access", access)
		report.Shared = append(report.Shared, *results[i])
	}
	if len(report.Failed) > 0 {
		errs := make([]error, 0, len(report.Failed))
		for _, f := range report.Failed {
			errs = append(errs, f.Err)
		}
		return report, errors.Join(errs...)
	}
	return report, nil
}
