// Package cli implements the synrix command line: a thin wrapper over
// pkg/lattice. Every command prints one JSON line on stdout; exit
// codes are 0 (success), 1 (usage error), 2 (I/O error), 3
// (admission/license error).
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ryjox/synrix/internal/logger"
	"github.com/ryjox/synrix/pkg/lattice"
)

// Exit codes.
const (
	exitOK        = 0
	exitUsage     = 1
	exitIO        = 2
	exitAdmission = 3
)

// Run executes the CLI and returns the process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) < 2 {
		printUsage(stderr)

		return exitUsage
	}

	command := args[1]
	rest := args[2:]

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)

		return exitIO
	}

	ctx := &cliContext{
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		env:     env,
		workDir: workDir,
		sigCh:   sigCh,
	}

	switch command {
	case "init":
		return cmdInit(ctx, rest)
	case "add":
		return cmdAdd(ctx, rest)
	case "get":
		return cmdGet(ctx, rest)
	case "query":
		return cmdQuery(ctx, rest)
	case "count":
		return cmdCount(ctx, rest)
	case "shell":
		return cmdShell(ctx, rest)
	case "help", "--help", "-h":
		printUsage(stdout)

		return exitOK
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", command)
		printUsage(stderr)

		return exitUsage
	}
}

// cliContext carries the per-invocation I/O and environment.
type cliContext struct {
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	env     map[string]string
	workDir string
	sigCh   <-chan os.Signal
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `synrix - persistent memory-mapped key-value store

Usage:
  synrix init <path> --max-nodes N [flags]   create a lattice
  synrix add --name NAME [flags]             add a node
  synrix get <id> [flags]                    read a node by id
  synrix query <prefix> [limit] [flags]      list nodes by name prefix
  synrix count [flags]                       count live nodes
  synrix shell [flags]                       interactive session
  synrix help                                show this help

Common flags:
  --file PATH     lattice file (default from config, synrix.lat)
  --config PATH   explicit config file
Environment:
  LICENSE_KEY     base64 license key
  QUIET           suppress diagnostic output
`)
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}

	return false
}

// openEngine opens the lattice named by cfg, adopting the on-disk
// geometry. maxNodes 0 means the file must already exist.
func (ctx *cliContext) openEngine(cfg Config, file string, maxNodes uint64) (*lattice.Engine, error) {
	path := cfg.LatticePath
	if file != "" {
		path = file
	}

	opts := lattice.Options{
		WALFlushIntervalMS:    cfg.WALFlushIntervalMS,
		WALFlushBatch:         cfg.WALFlushBatch,
		AutoSaveIntervalMS:    cfg.AutoSaveIntervalMS,
		AutoSaveIntervalNodes: cfg.AutoSaveIntervalNodes,
		LicenseKey:            cfg.LicenseKey,
		Env:                   ctx.env,
		Logger:                logger.New(ctx.env),
	}

	if cfg.WALEnabled != nil && !*cfg.WALEnabled {
		opts.DisableWAL = true
	}

	if maxNodes != 0 {
		// Creating: apply configured geometry.
		opts.CellSize = cfg.CellSize
		opts.NameMax = cfg.NameMax
		opts.DataMax = cfg.DataMax

		if cfg.Preallocate != nil && !*cfg.Preallocate {
			opts.SkipPreallocate = true
		}
	}

	return lattice.Open(path, maxNodes, opts)
}

// exitCodeFor maps an engine error to the CLI exit code contract.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, lattice.ErrLimitExceeded),
		errors.Is(err, lattice.ErrInvalidLicense):
		return exitAdmission
	case errors.Is(err, lattice.ErrNotFound),
		errors.Is(err, lattice.ErrArgumentOutOfRange):
		return exitUsage
	default:
		// IO, corruption, busy, capacity: operational failures.
		return exitIO
	}
}

// fail emits the error JSON line and returns the mapped exit code.
func fail(ctx *cliContext, err error) int {
	emitError(ctx.stdout, err)

	return exitCodeFor(err)
}
