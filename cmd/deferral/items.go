package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/scheduler"
	"github.com/urfave/cli"
)

var (
	addFlags = []cli.Flag{
		cli.StringFlag{
			Name:  "at",
			Usage: "absolute time in RFC 3339 form",
		},
		cli.DurationFlag{
			Name:  "in",
			Usage: "relative time from now, e.g. 90s or 2h",
		},
		cli.Int64Flag{
			Name:  "ts",
			Usage: "epoch milliseconds",
		},
		cli.StringFlag{
			Name:  "payload, p",
			Usage: "payload; anything that is not valid JSON is stored as a JSON string",
		},
		cli.StringFlag{
			Name:  "cron",
			Usage: "5-field cron expression that re-arms the item after each run",
		},
	}

	listFlags = []cli.Flag{
		cli.Int64Flag{
			Name:  "before, b",
			Usage: "only items strictly before this epoch millisecond timestamp",
		},
	}

	historyFlags = []cli.Flag{
		cli.IntFlag{
			Name:  "limit, n",
			Value: 20,
			Usage: "maximum number of records",
		},
		cli.Int64Flag{
			Name:  "ts",
			Usage: "only records for this item timestamp",
		},
	}
)

func add(ctx *cli.Context) error {
	item, err := itemFromFlags(ctx, time.Now())
	if err != nil {
		return err
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PutItem(item); err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}

	fmt.Fprintf(ctx.App.Writer, "%d\t%s\n", item.TimeStamp, item.ScheduledAt().UTC().Format(time.RFC3339Nano))
	return nil
}

func itemFromFlags(ctx *cli.Context, now time.Time) (*db.Item, error) {
	set := 0
	for _, name := range []string{"at", "in", "ts"} {
		if ctx.IsSet(name) {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("use only one of --at, --in and --ts")
	}

	cron := ctx.String("cron")
	if cron != "" {
		if err := scheduler.ValidateCron(cron); err != nil {
			return nil, err
		}
	}

	item := &db.Item{Cron: cron, Payload: payloadFromFlag(ctx.String("payload"))}

	switch {
	case ctx.IsSet("at"):
		at, err := time.Parse(time.RFC3339Nano, ctx.String("at"))
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		item.TimeStamp = at.UnixMilli()
	case ctx.IsSet("in"):
		item.TimeStamp = now.Add(ctx.Duration("in")).UnixMilli()
	case ctx.IsSet("ts"):
		item.TimeStamp = ctx.Int64("ts")
	case cron != "":
		next, err := scheduler.NextOccurrence(cron, now)
		if err != nil {
			return nil, err
		}
		item.TimeStamp = next.UnixMilli()
	default:
		return nil, errors.New("one of --at, --in, --ts or --cron is required")
	}

	return item, nil
}

func payloadFromFlag(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func remove(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}
	ts, err := strconv.ParseInt(ctx.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp must be epoch milliseconds: %w", err)
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteItem(ts); err != nil {
		if db.IsNotFound(err) {
			return fmt.Errorf("no item at %d", ts)
		}
		return fmt.Errorf("failed to delete item: %w", err)
	}

	fmt.Fprintf(ctx.App.Writer, "deleted %d\n", ts)
	return nil
}

func list(ctx *cli.Context) error {
	before := int64(math.MaxInt64)
	if ctx.IsSet("before") {
		before = ctx.Int64("before")
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.ListItemsBefore(before)
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}

	if len(items) == 0 {
		fmt.Fprintln(ctx.App.Writer, "no items")
		return nil
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tSCHEDULED AT\tCRON\tPAYLOAD")
	for _, item := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			item.TimeStamp,
			item.ScheduledAt().UTC().Format(time.RFC3339Nano),
			item.Cron,
			item.Payload)
	}
	return w.Flush()
}

func history(ctx *cli.Context) error {
	limit := ctx.Int("limit")
	if limit <= 0 {
		return errors.New("--limit must be positive")
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var records []db.Dispatch
	if ctx.IsSet("ts") {
		records, err = st.ListDispatchesForItem(ctx.Int64("ts"), limit)
	} else {
		records, err = st.ListDispatches(limit)
	}
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if len(records) == 0 {
		fmt.Fprintln(ctx.App.Writer, "no dispatches")
		return nil
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DISPATCHED AT\tTIMESTAMP\tOUTCOME\tATTEMPTS\tERROR")
	for _, d := range records {
		errText := ""
		if d.Error != nil {
			errText = *d.Error
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
			d.DispatchedAt.UTC().Format(time.RFC3339),
			d.TimeStamp,
			d.Outcome,
			d.Attempts,
			errText)
	}
	return w.Flush()
}
