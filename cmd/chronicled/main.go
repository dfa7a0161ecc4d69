// chronicled is the Chronicle ledger daemon and operator CLI.
//
// It serves the append/verify/anchor/export HTTP API, writes evidence
// packages from the command line, and verifies streams and packages without
// a running server.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version is stamped by the release pipeline.
var Version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main so tests can drive it.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "chronicled %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "chronicled: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: chronicled <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve    Run the ledger server")
	_, _ = fmt.Fprintln(w, "  export   Write the evidence package for one stream")
	_, _ = fmt.Fprintln(w, "  verify   Verify a stream (live store) or an evidence package (offline)")
	_, _ = fmt.Fprintln(w, "  version  Print the version")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration comes from CHRONICLE_* environment variables; see pkg/config.")
}
