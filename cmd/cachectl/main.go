// Command cachectl inspects and prunes the persistent query cache of a
// stopped budgetsync process.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/common"
	"github.com/zoravur/budgetsync/internal/config"
)

const usage = `usage: cachectl [-config file] <command> [flags]

commands:
  list [-table name]     list cached queries
  show -key key          print one cached payload
  invalidate -table name drop every cached query of a table
`

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code. The cache is
// closed on every path.
func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("cachectl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { fmt.Fprint(stderr, usage) }
	cfgFile := flags.String("config", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintln(stderr, "cachectl:", err)
		return 1
	}
	c, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Path, zap.NewNop())
	if err != nil {
		fmt.Fprintln(stderr, "cachectl:", err)
		return 1
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			fmt.Fprintln(stderr, "cachectl: close cache:", cerr)
		}
	}()

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "list":
		err = list(c, rest, stdout, stderr)
	case "show":
		err = show(c, rest, stdout, stderr)
	case "invalidate":
		err = invalidate(c, rest, stdout, stderr)
	default:
		err = errUsage
	}
	switch {
	case errors.Is(err, errUsage):
		flags.Usage()
		return 2
	case err != nil:
		fmt.Fprintln(stderr, "cachectl:", err)
		return 1
	}
	return 0
}

func subcommand(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func list(c *cache.Cache, args []string, stdout, stderr io.Writer) error {
	fs := subcommand("list", stderr)
	table := fs.String("table", "", "only this table")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	keys, err := c.Keys(*table)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tQUERY\tFETCHED\tKEY")
	for _, k := range keys {
		t, parts, err := common.DecodeKey(k)
		if err != nil {
			fmt.Fprintf(w, "?\t?\t?\t%s\n", k)
			continue
		}
		fetched := "-"
		if e, ok := c.Get(k); ok {
			fetched = e.Timestamp.Format(time.RFC3339)
		}
		q, _ := json.Marshal(parts)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t, q, fetched, k)
	}
	return w.Flush()
}

func show(c *cache.Cache, args []string, stdout, stderr io.Writer) error {
	fs := subcommand("show", stderr)
	key := fs.String("key", "", "cache key, as printed by list")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *key == "" {
		return fmt.Errorf("show: -key is required")
	}

	e, ok := c.Get(*key)
	if !ok {
		return fmt.Errorf("show: no entry under %q", *key)
	}
	var v any
	if err := e.Decode(&v); err != nil {
		return fmt.Errorf("show: %w", err)
	}
	out, err := json.MarshalIndent(map[string]any{"fetchedAt": e.Timestamp, "data": v}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}

func invalidate(c *cache.Cache, args []string, stdout, stderr io.Writer) error {
	fs := subcommand("invalidate", stderr)
	table := fs.String("table", "", "table to drop")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *table == "" {
		return fmt.Errorf("invalidate: -table is required")
	}
	fmt.Fprintf(stdout, "dropped %d entries of %s\n", c.InvalidateTable(*table), *table)
	return nil
}
