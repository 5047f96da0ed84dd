package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	"portalflow/internal/provision"
	"portalflow/internal/store"
)

// ledger writes runs to PostgreSQL when a DSN is configured. The zero value
// and a nil *ledger record nothing. Ledger failures are logged and never
// fail the run they describe.
type ledger struct {
	st     *store.Store
	logger *log.Logger
}

func (a *app) openLedger(ctx context.Context) (*ledger, func(), error) {
	if a.dsn() == "" {
		return nil, func() {}, nil
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &ledger{st: st, logger: a.logger.With("component", "ledger")}, st.Close, nil
}

type runRecord struct {
	l  *ledger
	id string
}

func (l *ledger) begin(ctx context.Context, workflow, resource, owner string, inputs any) *runRecord {
	if l == nil {
		return nil
	}
	b, _ := json.Marshal(inputs)
	id, err := l.st.CreateRun(ctx, store.Run{
		Workflow:   workflow,
		Resource:   resource,
		Owner:      owner,
		InputsJSON: b,
	})
	if err != nil {
		l.logger.Warn("run not recorded", "error", err)
		return nil
	}
	l.logger.Debug("recording run", "run", id)
	return &runRecord{l: l, id: id}
}

// observer returns a provision.Observer that appends each transition.
func (r *runRecord) observer(ctx context.Context) provision.Observer {
	return func(ev provision.Event) {
		if r == nil {
			return
		}
		err := r.l.st.AppendEvent(ctx, store.Event{
			RunID:   r.id,
			Seq:     ev.Seq,
			State:   ev.State.String(),
			Step:    ev.Step,
			Message: ev.Message,
			At:      ev.At,
		})
		if err != nil {
			r.l.logger.Warn("event not recorded", "run", r.id, "seq", ev.Seq, "error", err)
		}
	}
}

func (r *runRecord) finish(result any, runErr error) {
	if r == nil {
		return
	}
	status := store.StatusSucceeded
	out := map[string]any{"result": result}
	if runErr != nil {
		status = store.StatusFailed
		out["error"] = runErr.Error()
	}
	b, _ := json.Marshal(out)
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.l.st.FinishRun(ctx, r.id, status, b); err != nil {
		r.l.logger.Warn("run not finished", "run", r.id, "error", err)
	}
}

// logEvents reports every transition on the logger.
func logEvents(logger *log.Logger) provision.Observer {
	return func(ev provision.Event) {
		kv := []any{"state", ev.State.String()}
		if ev.Step != "" {
			kv = append(kv, "step", ev.Step)
		}
		if ev.State == provision.Failed {
			logger.Error(ev.Message, kv...)
			return
		}
		logger.Debug(ev.Message, kv...)
	}
}
