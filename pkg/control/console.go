package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"mvdan.cc/sh/v3/shell"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

const consolePrompt = "corral> "

const consoleHelp = `commands:
  status [name]          show all units or one unit in detail
  start <name|all>       start a unit
  stop <name|all>        stop a unit
  restart <name|all>     restart a unit
  reload                 re-read the configuration
  ping                   check the daemon is alive
  help                   show this text
  quit, exit             leave the console
`

// Console is an interactive loop issuing control requests
type Console struct {
	doer Doer
	in   io.Reader
	out  io.Writer
	err  io.Writer
}

// NewConsole creates a console reading commands from in
func NewConsole(doer Doer, in io.Reader, out, errOut io.Writer) *Console {
	return &Console{doer: doer, in: in, out: out, err: errOut}
}

// Run reads commands until EOF, quit or ctx is done. Command failures
// are printed and do not end the loop; a lost daemon does.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, consolePrompt)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		quit, err := c.Eval(ctx, scanner.Text())
		if err != nil {
			if errors.Is(err, errors.Unavailable) {
				return err
			}
			fmt.Fprintln(c.err, color.RedString(err.Error()))
		}
		if quit {
			return nil
		}
		fmt.Fprint(c.out, consolePrompt)
	}
	fmt.Fprintln(c.out)
	return scanner.Err()
}

// Eval runs one console line. quit is true when the line asks to leave.
func (c *Console) Eval(ctx context.Context, line string) (quit bool, err error) {
	// No environment: console lines never expand variables
	args, err := shell.Fields(line, func(string) string { return "" })
	if err != nil {
		return false, errors.ValidationError.Wrap(err, "parsing %q", strings.TrimSpace(line))
	}
	if len(args) == 0 {
		return false, nil
	}

	command := strings.ToLower(args[0])
	switch command {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return false, nil
	}

	req, err := ParseCommand(command, args[1:])
	if err != nil {
		return false, err
	}
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return false, err
	}
	if err := resp.Err(); err != nil {
		return false, err
	}
	Print(c.out, req, resp)
	return false, nil
}

// ParseCommand builds a request from a command word and its arguments
func ParseCommand(command string, args []string) (Request, error) {
	req := Request{Command: command}
	switch command {
	case CmdStart, CmdStop, CmdRestart:
		if len(args) != 1 {
			return req, errors.New(errors.ValidationError, "usage: %s <name|all>", command)
		}
		req.Name = args[0]
	case CmdStatus:
		if len(args) > 1 {
			return req, errors.New(errors.ValidationError, "usage: status [name]")
		}
		if len(args) == 1 {
			req.Name = args[0]
		}
	case CmdReload, CmdPing:
		if len(args) != 0 {
			return req, errors.New(errors.ValidationError, "usage: %s", command)
		}
	default:
		return req, errors.New(errors.ValidationError, "unknown command %q, try help", command)
	}
	return req, nil
}

// Print renders a successful response to req
func Print(w io.Writer, req Request, resp Response) {
	switch req.Command {
	case CmdPing:
		fmt.Fprintln(w, "pong")
	case CmdReload:
		if resp.Reload != nil {
			WriteReload(w, *resp.Reload)
		}
	case CmdStatus:
		if req.Name != "" && req.Name != AllUnits && len(resp.Units) == 1 {
			WriteDetail(w, resp.Units[0])
			return
		}
		WriteTable(w, resp.Units)
	default:
		WriteTable(w, resp.Units)
	}
}
