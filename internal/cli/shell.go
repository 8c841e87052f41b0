package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/ryjox/synrix/pkg/lattice"
)

// cmdShell runs an interactive session against one open engine, so a
// sequence of adds and queries pays the open/replay cost once.
func cmdShell(ctx *cliContext, args []string) int {
	if hasHelpFlag(args) {
		fmt.Fprintln(ctx.stdout, "usage: synrix shell")

		return exitOK
	}

	var common commonFlags

	fs := newFlagSet("shell", &common)

	err := fs.Parse(args)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	cfg, err := LoadConfig(ctx.workDir, common.config, ctx.env)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	engine, err := ctx.openEngine(cfg, common.file, 0)
	if err != nil {
		return fail(ctx, err)
	}

	defer func() { _ = engine.Close() }()

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	historyPath := shellHistoryPath(ctx.env)
	if historyPath != "" {
		if f, openErr := os.Open(historyPath); openErr == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}
	}

	fmt.Fprintf(ctx.stderr, "synrix shell: %s (%d nodes, tier %d). Type help.\n",
		engine.Path(), engine.Count(), engine.Tier())

	for {
		select {
		case <-ctx.sigCh:
			return shellExit(ctx, line, historyPath)
		default:
		}

		input, readErr := line.Prompt("synrix> ")
		if readErr != nil {
			if errors.Is(readErr, liner.ErrPromptAborted) || errors.Is(readErr, io.EOF) {
				return shellExit(ctx, line, historyPath)
			}

			fmt.Fprintln(ctx.stderr, "error:", readErr)

			return shellExit(ctx, line, historyPath)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "exit" || input == "quit" {
			return shellExit(ctx, line, historyPath)
		}

		runShellCommand(ctx, engine, input)
	}
}

func shellExit(ctx *cliContext, line *liner.State, historyPath string) int {
	if historyPath != "" {
		_ = os.MkdirAll(filepath.Dir(historyPath), 0o750)

		if f, err := os.Create(historyPath); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}

	emit(ctx.stdout, map[string]any{"success": true})

	return exitOK
}

// shellHistoryPath lives next to the user config.
func shellHistoryPath(env map[string]string) string {
	base := globalConfigPath(env)
	if base == "" {
		return ""
	}

	return filepath.Join(filepath.Dir(base), "shell_history")
}

func runShellCommand(ctx *cliContext, engine *lattice.Engine, input string) {
	fields := strings.Fields(input)
	command := fields[0]
	args := fields[1:]

	switch command {
	case "help":
		fmt.Fprint(ctx.stderr, `commands:
  add <name> [data] [type]   add a node
  get <id>                   read a node
  query <prefix> [limit]     list nodes by prefix
  count                      live node count
  flush                      commit the WAL buffer
  checkpoint                 fold WAL into the main file
  exit                       leave the shell
`)
	case "add":
		if len(args) < 1 {
			fmt.Fprintln(ctx.stderr, "usage: add <name> [data] [type]")

			return
		}

		var data string
		if len(args) >= 2 {
			data = args[1]
		}

		typ := lattice.TypeNormal

		if len(args) >= 3 {
			parsed, err := strconv.ParseUint(args[2], 10, 8)
			if err != nil {
				fmt.Fprintln(ctx.stderr, "error: invalid type")

				return
			}

			typ = lattice.NodeType(parsed)
		}

		id, err := engine.Add(typ, []byte(args[0]), []byte(data), 0)
		if err != nil {
			emitError(ctx.stdout, err)

			return
		}

		emit(ctx.stdout, map[string]any{"success": true, "id": id})
	case "get":
		if len(args) != 1 {
			fmt.Fprintln(ctx.stderr, "usage: get <id>")

			return
		}

		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			fmt.Fprintln(ctx.stderr, "error: invalid id")

			return
		}

		node, err := engine.Get(id)
		if err != nil {
			emitError(ctx.stdout, err)

			return
		}

		emit(ctx.stdout, map[string]any{"success": true, "node": nodeToJSON(node)})
	case "query":
		if len(args) < 1 {
			fmt.Fprintln(ctx.stderr, "usage: query <prefix> [limit]")

			return
		}

		limit := defaultQueryLimit

		if len(args) >= 2 {
			parsed, err := strconv.Atoi(args[1])
			if err != nil || parsed < 0 {
				fmt.Fprintln(ctx.stderr, "error: invalid limit")

				return
			}

			limit = parsed
		}

		nodes := engine.FindByPrefix([]byte(args[0]), limit)

		out := make([]nodeJSON, len(nodes))
		for i, node := range nodes {
			out[i] = nodeToJSON(node)
		}

		emit(ctx.stdout, map[string]any{"success": true, "count": len(out), "nodes": out})
	case "count":
		emit(ctx.stdout, map[string]any{"success": true, "count": engine.Count()})
	case "flush":
		err := engine.Flush()
		if err != nil {
			emitError(ctx.stdout, err)

			return
		}

		emit(ctx.stdout, map[string]any{"success": true})
	case "checkpoint":
		err := engine.Checkpoint()
		if err != nil {
			emitError(ctx.stdout, err)

			return
		}

		emit(ctx.stdout, map[string]any{"success": true})
	default:
		fmt.Fprintf(ctx.stderr, "error: unknown command %q (try help)\n", command)
	}
}
