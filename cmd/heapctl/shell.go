package main

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/chzyer/readline"
	"github.com/cockroachdb/errors"
	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/heapkit/heapview"
)

var errExitShell = errors.New("exit shell")

func (o *app) shellCmd() *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run commands interactively against the open target",
		Long: `Keep the target open and read commands from an interactive prompt.
Every command re-reads target memory. "refresh" re-runs the full query
and, with --serve, publishes it to the snapshot relay.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if serve {
				srv, err := o.newServer()
				if err != nil {
					return err
				}
				o.server = srv

				go func() {
					err := srv.ListenAndServe(ctx, o.opts.Listen)
					if err != nil && !errors.Is(err, context.Canceled) {
						o.logger.Error("snapshot relay stopped", "error", err)
					}
				}()
			}

			return o.runShell()
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "Relay snapshots on --listen while the shell runs")

	return cmd
}

func (o *app) runShell() error {
	completer := readline.NewPrefixCompleter()
	for _, child := range o.shellRoot().Commands() {
		cmdToCompleter(completer, child)
	}

	styles := heapview.NewStyles(o.stdout, o.opts.NoColor)

	shell, err := readline.NewEx(&readline.Config{
		Prompt:       styles.Prompt.Render("heapctl>") + " ",
		AutoComplete: completer,
		EOFPrompt:    "\n",
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize shell")
	}
	defer shell.Close()

	fmt.Fprintf(o.stdout, "Reading %s (type 'help' for commands)\n", o.target.desc)

	for {
		line, err := shell.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		err = o.execLine(line)
		if errors.Is(err, errExitShell) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(o.stdout, styles.Error.Render("error: "+err.Error()))
		}
	}
}

// execLine runs one shell line.
func (o *app) execLine(line string) (err error) {
	args, err := shlex.Split(line)
	if err != nil {
		return errors.Wrap(err, "failed to parse command line")
	}
	if len(args) == 0 {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%v\nStack: %s", r, debug.Stack())
		}
	}()

	root := o.shellRoot()
	root.SetArgs(args)

	return root.Execute()
}

// shellRoot returns a new command tree for one shell line, so flags
// never leak from one line into the next.
func (o *app) shellRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "heapctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(o.stdout)
	root.SetErr(o.stdout)

	for _, cmd := range o.queryCmds() {
		root.AddCommand(cmd)
	}

	root.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Re-run the full query and publish it to the relay",
		Args:  cobra.NoArgs,
		RunE:  o.refresh,
	})

	root.AddCommand(&cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit"},
		Short:   "Exit the shell",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return errExitShell
		},
	})

	return root
}

func (o *app) refresh(*cobra.Command, []string) error {
	if o.server != nil {
		raw, err := o.server.Refresh()
		if err != nil {
			return err
		}

		fmt.Fprintf(o.stdout, "published %d byte snapshot\n", len(raw))
		return nil
	}

	s, err := o.snapshot()
	if err != nil {
		return err
	}

	bins := len(s.Bins)
	if _, ok := s.Bins[heapview.AllChunksName]; ok {
		bins--
	}

	fmt.Fprintf(o.stdout, "%d non-empty bins, %d chunks\n", bins, len(s.Chunks[heapview.AllChunksName]))
	return nil
}

func cmdToCompleter(parent readline.PrefixCompleterInterface, c *cobra.Command) {
	completer := readline.PcItem(c.Name())
	parent.SetChildren(append(parent.GetChildren(), completer))
	for _, child := range c.Commands() {
		cmdToCompleter(completer, child)
	}
}
