package cli

import (
	"fmt"
	"io"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/ryjox/synrix/pkg/lattice"
)

// commonFlags are shared by every command.
type commonFlags struct {
	file   string
	config string
}

func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parse errors are reported by the caller
	fs.StringVar(&common.file, "file", "", "lattice file path")
	fs.StringVar(&common.config, "config", "", "explicit config file")

	return fs
}

func cmdInit(ctx *cliContext, args []string) int {
	if hasHelpFlag(args) {
		fmt.Fprintln(ctx.stdout, "usage: synrix init <path> --max-nodes N [--cell-size N] [--name-max N] [--data-max N]")

		return exitOK
	}

	var common commonFlags

	var (
		maxNodes uint64
		cellSize uint32
		nameMax  uint32
		dataMax  uint32
	)

	fs := newFlagSet("init", &common)
	fs.Uint64Var(&maxNodes, "max-nodes", 0, "maximum node count (required)")
	fs.Uint32Var(&cellSize, "cell-size", 0, "cell stride in bytes")
	fs.Uint32Var(&nameMax, "name-max", 0, "maximum name length")
	fs.Uint32Var(&dataMax, "data-max", 0, "maximum data length")

	err := fs.Parse(args)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	if fs.NArg() != 1 || maxNodes == 0 {
		fmt.Fprintln(ctx.stderr, "error: init requires a path and --max-nodes")

		return exitUsage
	}

	cfg, err := LoadConfig(ctx.workDir, common.config, ctx.env)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	cfg.LatticePath = fs.Arg(0)

	if cellSize != 0 {
		cfg.CellSize = cellSize
	}

	if nameMax != 0 {
		cfg.NameMax = nameMax
	}

	if dataMax != 0 {
		cfg.DataMax = dataMax
	}

	engine, err := ctx.openEngine(cfg, common.file, maxNodes)
	if err != nil {
		return fail(ctx, err)
	}

	closeErr := engine.Close()
	if closeErr != nil {
		return fail(ctx, closeErr)
	}

	emit(ctx.stdout, map[string]any{
		"success":   true,
		"path":      engine.Path(),
		"max_nodes": engine.MaxNodes(),
	})

	return exitOK
}

func cmdAdd(ctx *cliContext, args []string) int {
	if hasHelpFlag(args) {
		fmt.Fprintln(ctx.stdout, "usage: synrix add --name NAME [--data DATA] [--type N] [--parent ID]")

		return exitOK
	}

	var common commonFlags

	var (
		name    string
		data    string
		nodeTyp uint8
		parent  uint64
	)

	fs := newFlagSet("add", &common)
	fs.StringVar(&name, "name", "", "node name (required)")
	fs.StringVar(&data, "data", "", "node payload")
	fs.Uint8Var(&nodeTyp, "type", 0, "node type tag")
	fs.Uint64Var(&parent, "parent", 0, "parent node id")

	err := fs.Parse(args)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	if name == "" {
		fmt.Fprintln(ctx.stderr, "error: --name is required")

		return exitUsage
	}

	return withEngine(ctx, common, func(engine *lattice.Engine) (any, error) {
		id, err := engine.Add(lattice.NodeType(nodeTyp), []byte(name), []byte(data), parent)
		if err != nil {
			return nil, err
		}

		err = engine.Flush()
		if err != nil {
			return nil, err
		}

		return map[string]any{"success": true, "id": id}, nil
	})
}

func cmdGet(ctx *cliContext, args []string) int {
	if hasHelpFlag(args) {
		fmt.Fprintln(ctx.stdout, "usage: synrix get <id>")

		return exitOK
	}

	var common commonFlags

	fs := newFlagSet("get", &common)

	err := fs.Parse(args)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(ctx.stderr, "error: get requires a node id")

		return exitUsage
	}

	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(ctx.stderr, "error: invalid node id %q\n", fs.Arg(0))

		return exitUsage
	}

	return withEngine(ctx, common, func(engine *lattice.Engine) (any, error) {
		node, err := engine.Get(id)
		if err != nil {
			return nil, err
		}

		return map[string]any{"success": true, "node": nodeToJSON(node)}, nil
	})
}

func cmdQuery(ctx *cliContext, args []string) int {
	if hasHelpFlag(args) {
		fmt.Fprintln(ctx.stdout, "usage: synrix query <prefix> [limit]")

		return exitOK
	}

	var common commonFlags

	fs := newFlagSet("query", &common)

	err := fs.Parse(args)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(ctx.stderr, "error: query requires a prefix and an optional limit")

		return exitUsage
	}

	prefix := fs.Arg(0)
	limit := defaultQueryLimit

	if fs.NArg() == 2 {
		parsed, parseErr := strconv.Atoi(fs.Arg(1))
		if parseErr != nil || parsed < 0 {
			fmt.Fprintf(ctx.stderr, "error: invalid limit %q\n", fs.Arg(1))

			return exitUsage
		}

		limit = parsed
	}

	return withEngine(ctx, common, func(engine *lattice.Engine) (any, error) {
		nodes := engine.FindByPrefix([]byte(prefix), limit)

		out := make([]nodeJSON, len(nodes))
		for i, node := range nodes {
			out[i] = nodeToJSON(node)
		}

		return map[string]any{"success": true, "count": len(out), "nodes": out}, nil
	})
}

const defaultQueryLimit = 100

func cmdCount(ctx *cliContext, args []string) int {
	if hasHelpFlag(args) {
		fmt.Fprintln(ctx.stdout, "usage: synrix count")

		return exitOK
	}

	var common commonFlags

	fs := newFlagSet("count", &common)

	err := fs.Parse(args)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	return withEngine(ctx, common, func(engine *lattice.Engine) (any, error) {
		return map[string]any{"success": true, "count": engine.Count(), "tier": uint8(engine.Tier())}, nil
	})
}

// withEngine opens the configured lattice, runs fn, closes, and emits
// the result line.
func withEngine(ctx *cliContext, common commonFlags, fn func(*lattice.Engine) (any, error)) int {
	cfg, err := LoadConfig(ctx.workDir, common.config, ctx.env)
	if err != nil {
		fmt.Fprintln(ctx.stderr, "error:", err)

		return exitUsage
	}

	engine, err := ctx.openEngine(cfg, common.file, 0)
	if err != nil {
		return fail(ctx, err)
	}

	result, err := fn(engine)

	closeErr := engine.Close()

	if err != nil {
		return fail(ctx, err)
	}

	if closeErr != nil {
		return fail(ctx, closeErr)
	}

	emit(ctx.stdout, result)

	return exitOK
}
