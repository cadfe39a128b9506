// Command relic is the client tool of the resource pipeline: it imports
// assets, compiles resources, and inspects sources from the command line.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"relic.dev/relic/ident"
	"relic.dev/relic/pipeline"
	"relic.dev/relic/platform"
	"relic.dev/relic/source"
)

const usage = `usage: relic [flags] <command> [args]

commands:
  lookup  <path>                 resolve a path to its uuid and hash
  import  <path>                 import or reimport an asset
  compile <uuid>                 compile a resource for -platform
  read    <uuid>                 dump a source change log
  hash    <uuid>                 print the source hash for -platform
  set     <uuid> <key> <value>   append a value change
  unset   <uuid> <key>           append an unset change
  delete  <uuid>                 delete a resource
`

type cliFlags struct {
	localPath  string
	sourcePath string
	basePath   string
	toolPath   string
	remote     string
	platform   string
}

func buildModule(cf cliFlags) (*pipeline.Module, error) {
	cfg := pipeline.Config{
		LocalPaths:    pipeline.SplitList(cf.localPath),
		SourcePath:    cf.sourcePath,
		BasePath:      cf.basePath,
		ToolPaths:     pipeline.SplitList(cf.toolPath),
		RemoteSourced: cf.remote,
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return pipeline.New(cfg, log)
}

func run(args []string) int {
	fs := flag.NewFlagSet("relic", flag.ContinueOnError)
	var cf cliFlags
	fs.StringVar(&cf.localPath, "resource-local-path", "", "local cache path list")
	fs.StringVar(&cf.sourcePath, "resource-local-source", "", "source root directory")
	fs.StringVar(&cf.basePath, "resource-base-path", "", "import base path")
	fs.StringVar(&cf.toolPath, "resource-tool-path", "", "external tool path list")
	fs.StringVar(&cf.remote, "resource-remote-sourced", "", "sourced endpoint address")
	fs.StringVar(&cf.platform, "platform", "", "platform specifier (decimal or a:b:c:d:e:f)")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	plat, err := platform.Parse(cf.platform)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relic:", err)
		return 2
	}

	m, err := buildModule(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relic:", err)
		return 1
	}
	defer m.Close()

	code, err := dispatch(m, os.Stdout, rest[0], rest[1:], plat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relic:", err)
	}
	return code
}

func dispatch(m *pipeline.Module, out io.Writer, cmd string, args []string, plat uint64) (int, error) {
	switch cmd {
	case "lookup":
		if len(args) != 1 {
			return 2, errors.New("lookup needs a path")
		}
		id, h, err := m.Lookup(args[0])
		if err != nil {
			return 1, err
		}
		if id == ident.Nil {
			return 1, errors.New("not found")
		}
		fmt.Fprintf(out, "%s %s\n", id, h.Hex())
		return 0, nil
	case "import":
		if len(args) != 1 {
			return 2, errors.New("import needs a path")
		}
		id, h, err := m.Import(args[0])
		if err != nil {
			return 1, err
		}
		fmt.Fprintf(out, "%s %s\n", id, h.Hex())
		return 0, nil
	case "compile":
		id, code, err := uuidArg(args)
		if err != nil {
			return code, err
		}
		if err := m.Compile(id, plat); err != nil {
			return 1, err
		}
		fmt.Fprintln(out, "ok")
		return 0, nil
	case "read":
		id, code, err := uuidArg(args)
		if err != nil {
			return code, err
		}
		src, err := m.Read(id)
		if err != nil {
			return 1, err
		}
		if err := src.Write(out, false); err != nil {
			return 1, err
		}
		return 0, nil
	case "hash":
		id, code, err := uuidArg(args)
		if err != nil {
			return code, err
		}
		h, err := m.Hash(id, plat)
		if err != nil {
			return 1, err
		}
		fmt.Fprintln(out, h.Hex())
		return 0, nil
	case "set":
		if len(args) != 3 {
			return 2, errors.New("set needs <uuid> <key> <value>")
		}
		id, err := ident.ParseUUID(args[0])
		if err != nil {
			return 2, err
		}
		if err := m.Set(id, plat, ident.KeyHash(args[1]), []byte(args[2])); err != nil {
			return 1, err
		}
		return 0, nil
	case "unset":
		if len(args) != 2 {
			return 2, errors.New("unset needs <uuid> <key>")
		}
		id, err := ident.ParseUUID(args[0])
		if err != nil {
			return 2, err
		}
		if err := m.Unset(id, plat, ident.KeyHash(args[1])); err != nil {
			return 1, err
		}
		return 0, nil
	case "delete":
		id, code, err := uuidArg(args)
		if err != nil {
			return code, err
		}
		if err := m.Delete(id); err != nil {
			return 1, err
		}
		return 0, nil
	case "deps":
		id, code, err := uuidArg(args)
		if err != nil {
			return code, err
		}
		deps, err := m.Dependencies(id, plat)
		if err != nil {
			return 1, err
		}
		fmt.Fprintln(out, source.FormatDependencies(deps))
		return 0, nil
	default:
		return 2, fmt.Errorf("unknown command %q", cmd)
	}
}

func uuidArg(args []string) (ident.UUID, int, error) {
	if len(args) < 1 {
		return ident.Nil, 2, errors.New("missing uuid argument")
	}
	id, err := ident.ParseUUID(strings.TrimSpace(args[0]))
	if err != nil {
		return ident.Nil, 2, err
	}
	return id, 0, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}
