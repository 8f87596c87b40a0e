package cmd

import (
	"errors"
	"sync"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/term"
)

var streamCmd = &cobra.Command{
	Use:   "stream NAME",
	Short: "Run a catalog command and print output as it arrives",
	Long: `Run a catalog command and print each output line as soon as it is read,
prefixed with the stream it came from:

  [stdout] 64 bytes from 10.0.0.1: icmp_seq=1 ttl=64 time=0.3 ms
  [stderr] ping: sendmsg: Network is unreachable

Interrupting cmdgate (Ctrl-C) stops the command.`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

var streamFlags requestFlags

func init() {
	streamFlags.register(streamCmd)
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx := cmd.Context()
	req, err := streamFlags.request(ctx, a.catalog, args[0])
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		cancel func()
	)
	register := func(c func()) {
		mu.Lock()
		cancel = c
		mu.Unlock()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			if cancel != nil {
				cancel()
			}
			mu.Unlock()
		case <-done:
		}
	}()

	code, err := a.dispatcher.Stream(ctx, req, term.Line, register)
	switch {
	case errors.Is(err, gateerr.ExecutionTimeout):
		term.Warn("%s: %v", args[0], err)
		return NewExitCodeError(gateerr.ExecutionTimeout.ExitCode())
	case err != nil:
		return err
	case code != 0:
		return NewExitCodeError(commandExitCode(code))
	}
	return nil
}
