package provision

import (
	"context"
	"fmt"
	"time"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
)

type State int

const (
	Unauthenticated State = iota
	Authenticated
	Searched
	Cleaned
	Created
	Derived
	Shared
	Done
	Failed
)

var stateNames = [...]string{
	Unauthenticated: "unauthenticated",
	Authenticated:   "authenticated",
	Searched:        "searched",
	Cleaned:         "cleaned",
	Created:         "created",
	Derived:         "derived",
	Shared:          "shared",
	Done:            "done",
	Failed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state. Failed is reachable
// from every state that is not terminal.
var transitions = map[State][]State{
	Unauthenticated: {Authenticated},
	Authenticated:   {Searched},
	Searched:        {Cleaned},
	Cleaned:         {Created},
	Created:         {Derived, Shared, Done},
	Derived:         {Derived, Shared, Done},
	Shared:          {Done},
}

func (s State) Terminal() bool { return s == Done || s == Failed }

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event is emitted once per state transition.
type Event struct {
	Seq     int       `json:"seq"`
	State   State     `json:"state"`
	Step    string    `json:"step,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Observer func(Event)

type machine struct {
	state     State
	seq       int
	observers []Observer
	events    []Event
	now       func() time.Time
}

func (m *machine) advance(to State, step, msg string) error {
	if !canTransition(m.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, to)
	}
	m.state = to
	m.seq++
	ev := Event{Seq: m.seq, State: to, Step: step, Message: msg, At: m.now()}
	m.events = append(m.events, ev)
	for _, o := range m.observers {
		o(ev)
	}
	return nil
}

// fail moves the machine to Failed and returns err.
func (m *machine) fail(err error) error {
	_ = m.advance(Failed, "", err.Error())
	return err
}

type Result struct {
	Outcome Outcome
	Clean   *CleanReport
	Share   *ShareReport
	Events  []Event
	State   State
}

// Run drives one provisioning run for plan. Only delete failures are
// tolerated; anything else stops the run where it is, without rollback.
func (p *Provisioner) Run(ctx context.Context, sess *arcgis.Session, plan Plan, observers ...Observer) (*Result, error) {
	m := &machine{observers: observers, now: p.now}
	res := &Result{}
	finish := func(err error) (*Result, error) {
		if err != nil {
			err = m.fail(err)
		}
		res.Events = m.events
		res.State = m.state
		return res, err
	}

	if err := requireSession(sess, "run", plan.Descriptor.Name); err != nil {
		return finish(err)
	}
	if plan.Create == nil {
		return finish(fmt.Errorf("run %q: plan has no creator", plan.Descriptor.Name))
	}
	d := plan.Descriptor
	if d.Owner == "" {
		d.Owner = sess.Username()
	}
	if err := m.advance(Authenticated, "", "signed in as "+sess.Username()); err != nil {
		return finish(err)
	}

	matches, err := p.findExisting(ctx, sess, d)
	if err != nil {
		return finish(err)
	}
	if err := m.advance(Searched, "", fmt.Sprintf("found %d existing", len(matches))); err != nil {
		return finish(err)
	}

	res.Clean, err = p.clean(ctx, sess, d, matches)
	if err != nil {
		return finish(err)
	}
	if err := m.advance(Cleaned, "", fmt.Sprintf("deleted %d, failed %d", len(res.Clean.Deleted), len(res.Clean.Failed))); err != nil {
		return finish(err)
	}

	res.Outcome, err = p.provision(ctx, d, plan, m)
	if err != nil {
		return finish(err)
	}

	if plan.Access != "" {
		res.Share, err = p.Share(ctx, sess, d, res.Outcome, plan.Access)
		if err != nil {
			return finish(err)
		}
		if !res.Share.Skipped {
			if err := m.advance(Shared, "", fmt.Sprintf("shared %d as %s", len(res.Share.Shared), plan.Access)); err != nil {
				return finish(err)
			}
		}
	}

	if err := m.advance(Done, "", "done"); err != nil {
		return finish(err)
	}
	res.Outcome = res.Outcome.clone()
	return finish(nil)
}

// Provision creates the resource of plan and applies its steps in order. It
// neither removes existing resources first nor shares the result.
func (p *Provisioner) Provision(ctx context.Context, sess *arcgis.Session, plan Plan) (Outcome, error) {
	if err := requireSession(sess, "provision", plan.Descriptor.Name); err != nil {
		return Outcome{}, err
	}
	if plan.Create == nil {
		return Outcome{}, fmt.Errorf("provision %q: plan has no creator", plan.Descriptor.Name)
	}
	d := plan.Descriptor
	if d.Owner == "" {
		d.Owner = sess.Username()
	}
	out, err := p.provision(ctx, d, plan, nil)
	if err != nil {
		return Outcome{}, err
	}
	return out.clone(), nil
}

// provision runs the creator and then each step on the prior artifact. A
// non-nil m is advanced after every remote step.
func (p *Provisioner) provision(ctx context.Context, d Descriptor, plan Plan, m *machine) (Outcome, error) {
	art, err := plan.Create(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	p.logger.Info("created", "kind", d.Kind, "id", art.ItemID, "title", d.Name)
	if m != nil {
		if err := m.advance(Created, "", "created "+art.ItemID); err != nil {
			return Outcome{}, err
		}
	}
	created := art

	for _, step := range plan.Steps {
		p.logger.Debug("applying step", "step", step.Name)
		art, err = step.Apply(ctx, d, art)
		if err != nil {
			return Outcome{}, err
		}
		if m != nil {
			if err := m.advance(Derived, step.Name, step.Name+" done"); err != nil {
				return Outcome{}, err
			}
		}
	}
	return buildOutcome(d, created, art), nil
}

func buildOutcome(d Descriptor, created, last Artifact) Outcome {
	o := Outcome{
		CreatedID:  created.ItemID,
		ServiceURL: created.URL,
	}
	for _, s := range last.Services {
		o.PublishedURLs = append(o.PublishedURLs, s.ServiceURL)
		o.ServiceItemIDs = append(o.ServiceItemIDs, s.ServiceItemID)
	}
	if len(last.Services) == 0 && d.Kind == KindService && created.ItemID != "" {
		o.ServiceItemIDs = []string{created.ItemID}
	}
	if last.Count != nil {
		n := *last.Count
		o.FeatureCount = &n
	}
	return o
}

func requireSession(sess *arcgis.Session, op, name string) error {
	if sess == nil || sess.Username() == "" {
		return fault.New(fault.KindAuthentication, op, name, "no signed-in user")
	}
	return nil
}
