// Hush triages desktop notifications: it surfaces what matters now, batches
// the rest into digests and drops the noise.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	appName   = "hush"
	envPrefix = "HUSH_"
)

func main() {
	if err := dispatch(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

// dispatch routes args to the daemon or a one-shot command. Bare flags or
// no arguments start the daemon.
func dispatch(args []string, out io.Writer) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return ignoreHelp(runDaemon(args))
	}
	name, rest := args[0], args[1:]
	switch name {
	case "run":
		return ignoreHelp(runDaemon(rest))
	case "help":
		usage(out)
		return nil
	}
	c, ok := lookupCommand(name)
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command %q", name)
	}
	return ignoreHelp(runCommand(c, rest, out))
}

func ignoreHelp(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

func usage(out io.Writer) {
	fmt.Fprintf(out, "usage: %s <command> [flags] [args]\n\ncommands:\n", appName)
	fmt.Fprintf(out, "  %-16s %s\n", "run", "run the triage daemon (default)")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-16s %s\n", strings.TrimSpace(c.name+" "+c.args), c.summary)
	}
	fmt.Fprintf(out, "\nevery flag can also be set from the environment as %s<FLAG_NAME>\n", envPrefix)
}
