package control

import (
	"context"

	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/supervisor"
	"github.com/butter-bot-machines/corral/pkg/worker"
)

// Local dispatches requests to a Backend in-process
type Local struct {
	backend Backend
}

// NewLocal creates a dispatcher for b
func NewLocal(b Backend) *Local {
	return &Local{backend: b}
}

// Do implements Doer
func (l *Local) Do(ctx context.Context, req Request) (Response, error) {
	resp, err := l.dispatch(ctx, req)
	if err != nil {
		return Failure(err), nil
	}
	resp.OK = true
	return resp, nil
}

func (l *Local) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Command {
	case CmdPing:
		return Response{}, nil

	case CmdStart, CmdStop, CmdRestart:
		if req.Name == "" {
			return Response{}, errors.New(errors.ValidationError, "%s needs a unit name", req.Command)
		}
		if err := l.each(ctx, req.Command, req.Name); err != nil {
			return Response{}, err
		}
		return l.status(req.Name)

	case CmdStatus:
		return l.status(req.Name)

	case CmdReload:
		res, err := l.backend.Reload(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Reload: &res, Units: l.backend.List()}, nil
	}
	return Response{}, errors.New(errors.ValidationError, "unknown command %q", req.Command)
}

// each applies a lifecycle command to one unit, or to all of them at once
func (l *Local) each(ctx context.Context, command, name string) error {
	op := l.op(command)
	if name != AllUnits {
		return op(ctx, name)
	}

	pool := worker.NewPool(0)
	for _, snap := range l.backend.List() {
		n := snap.Name
		pool.Go(func() error { return op(ctx, n) })
	}
	return pool.Wait()
}

func (l *Local) op(command string) func(context.Context, string) error {
	switch command {
	case CmdStart:
		return l.backend.Start
	case CmdStop:
		return l.backend.Stop
	default:
		return l.backend.Restart
	}
}

func (l *Local) status(name string) (Response, error) {
	if name == "" || name == AllUnits {
		return Response{Units: l.backend.List()}, nil
	}
	snap, err := l.backend.Status(name)
	if err != nil {
		return Response{}, err
	}
	return Response{Units: []supervisor.Snapshot{snap}}, nil
}
