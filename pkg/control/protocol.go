// Package control is the command surface of the supervisor: a line
// oriented JSON protocol over a unix socket, the in-process dispatcher
// behind it and an interactive console.
package control

import (
	"context"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/supervisor"
)

// Commands understood by the control surface
const (
	CmdStart   = "start"
	CmdStop    = "stop"
	CmdRestart = "restart"
	CmdStatus  = "status"
	CmdReload  = "reload"
	CmdPing    = "ping"
)

// AllUnits addresses every managed unit in start, stop and restart
const AllUnits = descriptor.AllUnits

// Request is one command, encoded as a single JSON line
type Request struct {
	Command string `json:"command"`
	Name    string `json:"name,omitempty"`
}

// Response answers one Request
type Response struct {
	OK bool `json:"ok"`
	// Kind is the error type name and Code its exit code when OK is false
	Kind    string `json:"kind,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`

	Units  []supervisor.Snapshot    `json:"units,omitempty"`
	Reload *supervisor.ReloadResult `json:"reload,omitempty"`
}

// Err rebuilds the typed error carried by a failed response
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return errors.FromWire(r.Kind, r.Message)
}

// Failure builds the response for err
func Failure(err error) Response {
	return Response{
		Kind:    errors.TypeName(err),
		Code:    errors.Code(err),
		Message: err.Error(),
	}
}

// Doer executes control requests. The returned error reports transport
// failures only; command failures travel in the Response.
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Backend is what the control surface drives
type Backend interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(name string) (supervisor.Snapshot, error)
	List() []supervisor.Snapshot
	Reload(ctx context.Context) (supervisor.ReloadResult, error)
}
