// depthctl queries a running depthsync over its Unix socket.
//
//	depthctl books
//	depthctl depth -exchange bnUM -symbol BTCUSDT -levels 10
//	depthctl depth -exchange bnUM -symbol BTCUSDT -tick 0.1
//	depthctl compare -symbol BTCUSDT -baseline bnUM -challenger toobitUM
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/caesar-terminal/depthsync/internal/config"
	"github.com/caesar-terminal/depthsync/internal/numeric"
	"github.com/caesar-terminal/depthsync/internal/publish"
	"github.com/caesar-terminal/depthsync/internal/query"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	global := flag.NewFlagSet("depthctl", flag.ExitOnError)
	socket := global.String("socket", cfg.Query.SocketPath, "query socket path")
	timeout := global.Duration("timeout", 5*time.Second, "request timeout")
	global.Usage = usage
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client, err := query.Dial(*socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "books":
		err = books(ctx, client)
	case "depth":
		err = depth(ctx, client, args[1:])
	case "compare":
		err = compare(ctx, client, args[1:], cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: depthctl [-socket path] [-timeout d] books|depth|compare [flags]")
}

func books(ctx context.Context, c *query.Client) error {
	rows, err := c.ListBooks(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXCHANGE\tSYMBOL\tSTATUS\tFRESH\tAPPLIED\tGAPS\tSTALE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%d\n", r.Exchange, r.Symbol, r.Status, r.Fresh, r.Applied, r.Gaps, r.Stale)
	}
	return w.Flush()
}

func depth(ctx context.Context, c *query.Client, args []string) error {
	fs := flag.NewFlagSet("depth", flag.ExitOnError)
	exchange := fs.String("exchange", "", "exchange id, e.g. bnUM")
	symbol := fs.String("symbol", "", "symbol, e.g. BTCUSDT")
	levels := fs.Int("levels", 20, "levels per side, 0 for all")
	tick := fs.String("tick", "", "print a ladder with prices at this tick's precision")
	fs.Parse(args)
	if *exchange == "" || *symbol == "" {
		return fmt.Errorf("-exchange and -symbol are required")
	}

	p, err := c.GetDepth(ctx, *exchange, *symbol, *levels)
	if err != nil {
		return err
	}
	if *tick == "" {
		return printJSON(p)
	}
	return printLadder(p, numeric.Decimals(*tick))
}

// printLadder prints asks above bids, best prices nearest the spread line.
func printLadder(p publish.Payload, places int) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "%s %s\t\t\t\n", p.Exchange, p.Symbol)
	fmt.Fprintln(w, "PRICE\tQTY\tTOTAL\t")
	for i := len(p.Asks) - 1; i >= 0; i-- {
		l := p.Asks[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", numeric.Format(l.Price, places), l.Quantity, l.Total)
	}
	fmt.Fprintf(w, "-- spread %s (%s%%)\t\t\t\n", numeric.Format(p.Spread, places), numeric.Format(p.SpreadPercent, 4))
	for _, l := range p.Bids {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", numeric.Format(l.Price, places), l.Quantity, l.Total)
	}
	return w.Flush()
}

func compare(ctx context.Context, c *query.Client, args []string, cfg *config.Config) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol, e.g. BTCUSDT")
	baseline := fs.String("baseline", "", "baseline exchange id")
	challenger := fs.String("challenger", "", "challenger exchange id")
	band := fs.String("band", cfg.Compare.Band.String(), "depth band as a fraction")
	side := fs.String("side", cfg.Compare.Side.String(), "bid or ask")
	fs.Parse(args)
	if *symbol == "" || *baseline == "" || *challenger == "" {
		return fmt.Errorf("-symbol, -baseline and -challenger are required")
	}

	res, err := c.Compare(ctx, query.CompareRequest{
		Symbol:     *symbol,
		Baseline:   *baseline,
		Challenger: *challenger,
		Band:       *band,
		Side:       *side,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
