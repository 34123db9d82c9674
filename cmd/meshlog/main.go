// Command meshlog views and analyzes protocol log files.
//
// Log files are written by meshctl when started with -protocol-log.
//
// Usage:
//
//	meshlog <command> [flags] <file.mlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file as JSON lines
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View all events
//	meshlog view mesh.mlog
//
//	# View traffic to or from node 0x0002
//	meshlog view -address 0x0002 mesh.mlog
//
//	# View only incoming access messages
//	meshlog view -direction in -layer access mesh.mlog
//
//	# Show statistics
//	meshlog stats mesh.mlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/meshlink/meshlink-go/cmd/meshlog/commands"
)

const usage = `meshlog - Mesh Protocol Log Analyzer

Usage:
  meshlog <command> [flags] <file.mlog>

Commands:
  view     View log file in human-readable format
  export   Export log file as JSON lines
  stats    Show statistics about the log file

Use "meshlog <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags registers the shared filter flags on fs.
func filterFlags(fs *flag.FlagSet) *commands.ViewOptions {
	var o commands.ViewOptions
	fs.StringVar(&o.Address, "address", "", "Filter by mesh address (0x0002) or radio address (AA:BB:...)")
	fs.StringVar(&o.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&o.Layer, "layer", "", "Filter by layer (bearer, network, access, provisioning, engine)")
	fs.StringVar(&o.Category, "category", "", "Filter by category (message, control, state, correlation, error)")
	return &o
}

// logPath parses args and returns the single log file argument.
func logPath(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `meshlog view - View log file in human-readable format

Usage:
  meshlog view [flags] <file.mlog>

Flags:
`)
		fs.PrintDefaults()
	}
	opts := filterFlags(fs)
	path := logPath(fs, args)

	filter, err := opts.Filter()
	if err != nil {
		fail(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `meshlog export - Export log file as JSON lines

Usage:
  meshlog export [flags] <file.mlog>

Flags:
`)
		fs.PrintDefaults()
	}
	opts := filterFlags(fs)
	output := fs.String("o", "", "Output file (default: stdout)")
	path := logPath(fs, args)

	filter, err := opts.Filter()
	if err != nil {
		fail(err)
	}
	n, err := commands.RunExport(path, filter, *output)
	if err != nil {
		fail(err)
	}
	if *output != "" {
		fmt.Fprintf(os.Stderr, "%d records written to %s\n", n, *output)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `meshlog stats - Show statistics about the log file

Usage:
  meshlog stats <file.mlog>

`)
	}
	path := logPath(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
