// Package cmd implements the corral command line
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/butter-bot-machines/corral/pkg/config"
	"github.com/butter-bot-machines/corral/pkg/config/env"
	"github.com/butter-bot-machines/corral/pkg/control"
	"github.com/butter-bot-machines/corral/pkg/errors"
)

const Version = "0.1.0"

const usage = `usage: corral <command> [flags] [args]

commands:
  daemon [-c file] [--socket path] [--watch-config]
                          run the supervisor in the foreground
  start <name|all>        start a unit
  stop <name|all>         stop a unit
  restart <name|all>      restart a unit
  status [name]           show units
  reload                  re-read the configuration file
  console                 interactive control session
  version                 print the version

Client commands accept -c file and --socket path to find the daemon.
`

// CLI represents the command-line interface
type CLI struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	env    config.Environment
	dial   func(socket string) control.Doer
}

// Option configures a CLI
type Option func(*CLI)

// WithIO sets the standard streams
func WithIO(in io.Reader, out, errOut io.Writer) Option {
	return func(c *CLI) {
		c.in, c.out, c.errOut = in, out, errOut
	}
}

// WithEnvironment sets where CORRAL_* variables are read from
func WithEnvironment(e config.Environment) Option {
	return func(c *CLI) { c.env = e }
}

// WithDialer replaces how client commands reach the daemon
func WithDialer(dial func(socket string) control.Doer) Option {
	return func(c *CLI) { c.dial = dial }
}

// NewCLI creates a new CLI instance
func NewCLI(opts ...Option) *CLI {
	c := &CLI{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		env:    env.New(),
		dial: func(socket string) control.Doer {
			return control.NewClient(socket)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the CLI with the given arguments
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		fmt.Fprint(c.errOut, usage)
		return errors.New(errors.ValidationError, "expected a command")
	}

	switch args[0] {
	case "daemon":
		return c.Daemon(ctx, args[1:])
	case control.CmdStart, control.CmdStop, control.CmdRestart, control.CmdStatus, control.CmdReload:
		return c.Remote(ctx, args[0], args[1:])
	case "console":
		return c.Console(ctx, args[1:])
	case "version":
		fmt.Fprintf(c.out, "corral v%s\n", Version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(c.out, usage)
		return nil
	default:
		return errors.New(errors.ValidationError, "unknown command: %s", args[0])
	}
}

// clientFlags are shared by every command talking to a daemon
type clientFlags struct {
	config string
	socket string
}

func (c *CLI) flagSet(name string, cf *clientFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	fs.StringVar(&cf.config, "c", "", "configuration file")
	fs.StringVar(&cf.config, "config", "", "configuration file")
	fs.StringVar(&cf.socket, "socket", "", "control socket path")
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.ValidationError.Wrap(err, "%s", fs.Name())
	}
	return nil
}

// Remote sends one command to the daemon and prints the answer
func (c *CLI) Remote(ctx context.Context, command string, args []string) error {
	var cf clientFlags
	fs := c.flagSet(command, &cf)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	req, err := control.ParseCommand(command, fs.Args())
	if err != nil {
		return err
	}
	socket, err := c.resolveSocket(cf)
	if err != nil {
		return err
	}

	doer := c.dial(socket)
	if closer, ok := doer.(io.Closer); ok {
		defer closer.Close()
	}
	resp, err := doer.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	control.Print(c.out, req, resp)
	return nil
}

// Console opens an interactive session with the daemon
func (c *CLI) Console(ctx context.Context, args []string) error {
	var cf clientFlags
	fs := c.flagSet("console", &cf)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	socket, err := c.resolveSocket(cf)
	if err != nil {
		return err
	}

	doer := c.dial(socket)
	if closer, ok := doer.(io.Closer); ok {
		defer closer.Close()
	}
	// Fail fast when nobody is listening
	if _, err := doer.Do(ctx, control.Request{Command: control.CmdPing}); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "connected to %s, type help for commands\n", socket)
	return control.NewConsole(doer, c.in, c.out, c.errOut).Run(ctx)
}

// configPath picks the configuration file: the flag, then CORRAL_CONFIG,
// then corral.yaml in the working directory. explicit is false for the
// last fallback.
func (c *CLI) configPath(flagValue string) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if v := c.env.GetString(config.EnvConfig); v != "" {
		return v, true
	}
	return config.DefaultFile, false
}

// resolveSocket finds the daemon: --socket, then CORRAL_SOCKET, then the
// socket named by the configuration file, then the default path
func (c *CLI) resolveSocket(cf clientFlags) (string, error) {
	if cf.socket != "" {
		return cf.socket, nil
	}
	if v := c.env.GetString(config.EnvSocket); v != "" {
		return v, nil
	}

	path, explicit := c.configPath(cf.config)
	cfg, err := config.NewManager(path, config.WithEnvironment(c.env)).Load()
	switch {
	case err == nil:
		return cfg.Supervisor.Socket, nil
	case explicit || !errors.Is(err, errors.NotFoundError):
		return "", err
	}
	return config.DefaultSocket(), nil
}
