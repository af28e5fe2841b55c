package main

import (
	"flag"
	"fmt"
	"os"
)

const usage = `Usage:
  xiangqi-analyzer serve [flags]          - capture frames, analyse them, serve results
  xiangqi-analyzer analyze [flags] IMAGE  - analyse one image and print the report
  xiangqi-analyzer engine-check [flags]   - start the engine and search the opening position
`

// commonFlags are accepted by every command.
type commonFlags struct {
	config string
	env    string
	debug  bool
}

func newFlagSet(name, help string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xiangqi-analyzer %s\n\nFlags:\n", help)
		fs.PrintDefaults()
	}
	cf := &commonFlags{}
	fs.StringVar(&cf.config, "config", "", "path to configuration file (defaults are used when empty)")
	fs.StringVar(&cf.env, "env", ".env", "path to .env file (ignored if missing)")
	fs.BoolVar(&cf.debug, "debug", false, "log at debug level")
	return fs, cf
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		fs, cf := newFlagSet("serve", "serve [flags]")
		addr := fs.String("addr", "", "listen address (overrides server.addr)")
		_ = fs.Parse(os.Args[2:])
		err = runServe(cf, *addr)

	case "analyze":
		fs, cf := newFlagSet("analyze", "analyze [flags] IMAGE")
		think := fs.Duration("think", 0, "think time (overrides analysis.think_time)")
		_ = fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fs.Usage()
			os.Exit(2)
		}
		err = runAnalyze(cf, fs.Arg(0), *think)

	case "engine-check":
		fs, cf := newFlagSet("engine-check", "engine-check [flags]")
		placement := fs.String("position", "", "placement field to search (defaults to the opening position)")
		_ = fs.Parse(os.Args[2:])
		err = runEngineCheck(cf, *placement)

	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
