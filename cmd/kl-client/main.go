// kl-client runs one shell command on a kl-server and exits with the
// command's result code.
//
//	echo data | kl-client --host 10.0.0.5:9999 --command "wc -c"
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/klustron/klagent/internal/client"
	"github.com/klustron/klagent/internal/conn"
	"github.com/klustron/klagent/internal/logging"
	"github.com/klustron/klagent/internal/version"
	"github.com/klustron/klagent/internal/wire"
)

// exitCode is set by the command and returned from main.
var exitCode int

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == 0 {
			exitCode = int(wire.CodeLocalFailure)
		}
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:           "kl-client",
	Short:         "Run a shell command on a kl-server",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runClient,
}

func init() {
	rootCmd.SetVersionTemplate(version.Info("kl-client") + "\n")
	flags := rootCmd.Flags()
	flags.String("host", "", "server address as host:port")
	flags.Int64("timeout", client.DefaultTimeout.Milliseconds(), "give up after this many ms without a response")
	flags.String("file", "", "file transfer (unsupported)")
	flags.Bool("daemon", false, "do not forward local stdin")
	flags.Bool("no_checksum", false, "disable frame checksums (must match the server)")
	flags.Bool("kill_child", false, "ask the server to kill the command on timeout")
	flags.Int64("rd_timeout", client.DefaultReadTimeout.Milliseconds(), "socket read timeout in ms")
	flags.String("command", "", "shell command to run")
	flags.Uint32("open_type", wire.OpenStream, "0 streams stdin/stdout, 1 runs to completion")
	flags.String("mode", client.DefaultMode, "pipe mode characters (r, w, 2, c, t)")
	flags.Uint32("ratelimit", 0, "output rate limit in KiB/s, 0 for none")
	flags.Bool("verbose", false, "log protocol diagnostics to stderr")
	rootCmd.MarkFlagRequired("host")
	rootCmd.MarkFlagRequired("command")
}

func runClient(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	host, _ := f.GetString("host")
	timeoutMs, _ := f.GetInt64("timeout")
	file, _ := f.GetString("file")
	rdTimeoutMs, _ := f.GetInt64("rd_timeout")
	command, _ := f.GetString("command")
	openType, _ := f.GetUint32("open_type")
	mode, _ := f.GetString("mode")
	ratelimit, _ := f.GetUint32("ratelimit")
	verbose, _ := f.GetBool("verbose")

	var flags conn.Flags
	if file != "" {
		flags |= conn.FlagFile
	}
	if v, _ := f.GetBool("daemon"); v {
		flags |= conn.FlagDaemon
	}
	if v, _ := f.GetBool("no_checksum"); v {
		flags |= conn.FlagNoChecksum
	}
	if v, _ := f.GetBool("kill_child"); v {
		flags |= conn.FlagKillChild
	}
	if flags.Has(conn.FlagFile) {
		exitCode = int(wire.CodeLocalFailure)
		return client.ErrFileUnsupported
	}
	if timeoutMs <= 0 || rdTimeoutMs <= 0 {
		exitCode = int(wire.CodeLocalFailure)
		return errors.New("--timeout and --rd_timeout must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	code, err := client.Run(ctx, client.Options{
		Addr:        host,
		Timeout:     time.Duration(timeoutMs) * time.Millisecond,
		ReadTimeout: time.Duration(rdTimeoutMs) * time.Millisecond,
		Flags:       flags,
		Command:     command,
		OpenType:    openType,
		Mode:        mode,
		RateLimit:   ratelimit,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Logger:      logging.SetupCLILogger(os.Stderr, verbose),
	})
	exitCode = processExitCode(code)
	return err
}

// processExitCode folds a result code into the 0..255 range of a process
// status. Codes that cannot be represented become CodeLocalFailure.
func processExitCode(code int) int {
	if code < 0 || code > 255 {
		return int(wire.CodeLocalFailure)
	}
	return code
}
