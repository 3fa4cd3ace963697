// Command mrdbinspect prints the contents of a store: index stats, staleness,
// map-reduce rows and the reduce schedule. The store is opened read-only, so
// inspecting it does not bump its restart counter.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/andreyvit/mrdb"
	"github.com/andreyvit/mrdb/journal"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "mrdbinspect",
		Usage: "inspect a map-reduce store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Value:   "bolt",
				Usage:   "storage backend: bolt, pebble or memory",
				EnvVars: []string{"MRDB_BACKEND"},
			},
			&cli.StringFlag{
				Name:     "path",
				Aliases:  []string{"p"},
				Usage:    "bolt file, pebble directory, or WAL directory of the memory backend",
				EnvVars:  []string{"MRDB_PATH"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log storage internals",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "print stats of every index",
				Action: withStore(printStats),
			},
			{
				Name:      "stale",
				Usage:     "report whether an index is stale",
				ArgsUsage: "<index>",
				Flags: []cli.Flag{
					&cli.TimestampFlag{Name: "cutoff", Layout: time.RFC3339, Usage: "treat work done at or after this time as fresh"},
					&cli.StringFlag{Name: "cutoff-etag", Usage: "treat work indexed up to this etag as fresh"},
				},
				Action: withStore(printStale),
			},
			{
				Name:      "keys",
				Usage:     "list reduce keys with their mapped row counts",
				ArgsUsage: "<index>",
				Flags:     pageFlags(),
				Action:    withStore(printKeys),
			},
			{
				Name:      "mapped",
				Usage:     "list mapped rows of a reduce key",
				ArgsUsage: "<index> <reduce key>",
				Flags:     pageFlags(),
				Action:    withStore(printMapped),
			},
			{
				Name:      "reduced",
				Usage:     "list reduced rows of a reduce key",
				ArgsUsage: "<index> <reduce key>",
				Flags: append(pageFlags(),
					&cli.IntFlag{Name: "level", Value: 1, Usage: "reduce level, 1 or 2"},
				),
				Action: withStore(printReduced),
			},
			{
				Name:      "scheduled",
				Usage:     "list scheduled reductions",
				ArgsUsage: "<index>",
				Flags:     pageFlags(),
				Action:    withStore(printScheduled),
			},
			{
				Name:   "wal",
				Usage:  "list the WAL records of the memory backend without opening the store",
				Action: printWAL,
			},
			{
				Name:  "dump",
				Usage: "dump the whole store",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "rows", Value: true, Usage: "include documents and index rows"},
				},
				Action: withStore(func(c *cli.Context, s *mrdb.Store) error {
					flags := mrdb.DumpHeaders | mrdb.DumpStats | mrdb.DumpIndexes
					if c.Bool("rows") {
						flags = mrdb.DumpAll
					}
					out, err := s.Dump(c.Context, flags)
					if err != nil {
						return err
					}
					_, err = io.WriteString(c.App.Writer, out)
					return err
				}),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "** %v\n", err)
		os.Exit(1)
	}
}

func pageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "start", Usage: "rows to skip"},
		&cli.IntFlag{Name: "take", Value: 100, Usage: "maximum rows to print, 0 for all"},
	}
}

func withStore(f func(c *cli.Context, s *mrdb.Store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		backend, err := mrdb.ParseBackend(c.String("backend"))
		if err != nil {
			return err
		}
		level := slog.LevelWarn
		if c.Bool("verbose") {
			level = slog.LevelDebug
		}
		opt := mrdb.Options{
			Backend:  backend,
			ReadOnly: true,
			Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
			Verbose:  c.Bool("verbose"),
		}
		if backend == mrdb.Memory {
			opt.WALDir = c.String("path")
		} else {
			opt.Path = c.String("path")
		}
		s, err := mrdb.Open(opt)
		if err != nil {
			return err
		}
		defer s.Close()
		return f(c, s)
	}
}

func indexArg(c *cli.Context, n int) ([]string, error) {
	if c.NArg() != n {
		return nil, cli.Exit(fmt.Sprintf("%s: expected %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage), 2)
	}
	return c.Args().Slice(), nil
}

func view(c *cli.Context, s *mrdb.Store, f func(a *mrdb.Accessor) error) error {
	return s.View(c.Context, f)
}

func printStats(c *cli.Context, s *mrdb.Store) error {
	w := c.App.Writer
	return view(c, s, func(a *mrdb.Accessor) error {
		last, err := a.Staleness.GetMostRecentDocumentEtag()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "documents: %d, last etag %s\n", a.Documents.Count(), last)

		indexes, err := a.Indexing.GetIndexesStats()
		if err != nil {
			return err
		}
		for _, st := range indexes {
			fr, err := a.Indexing.GetFailureRate(st.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: indexed up to %s, %d attempts, %d errors, failure rate %.3f", st.Name, st.LastIndexedEtag, st.IndexingAttempts, st.IndexingErrors, fr.FailureRate())
			if r := st.Reduce; r != nil {
				fmt.Fprintf(w, ", reduced up to %s, %d reduce errors", r.LastReducedEtag, r.ReduceErrors)
			}
			if fr.IsInvalidIndex() {
				fmt.Fprint(w, " [INVALID]")
			}
			fmt.Fprintln(w)
			for _, bs := range a.IndexBucketStats(st.Name) {
				fmt.Fprintf(w, "    %s: %d rows, %d bytes\n", bs.Name, bs.Rows, bs.DataSize)
			}
		}
		return nil
	})
}

func printStale(c *cli.Context, s *mrdb.Store) error {
	args, err := indexArg(c, 1)
	if err != nil {
		return err
	}
	cutoffTime := c.Timestamp("cutoff")
	var cutoffEtag *mrdb.Etag
	if v := c.String("cutoff-etag"); v != "" {
		e, err := mrdb.ParseEtag(v)
		if err != nil {
			return err
		}
		cutoffEtag = &e
	}
	return view(c, s, func(a *mrdb.Accessor) error {
		stale, err := a.Staleness.IsIndexStale(args[0], cutoffTime, cutoffEtag)
		if err != nil {
			return err
		}
		ts, etag, err := a.Staleness.IndexLastUpdatedAt(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "stale: %v, last updated at %s (etag %s)\n", stale, ts.Format(time.RFC3339), etag)
		return nil
	})
}

func printKeys(c *cli.Context, s *mrdb.Store) error {
	args, err := indexArg(c, 1)
	if err != nil {
		return err
	}
	return view(c, s, func(a *mrdb.Accessor) error {
		stats, err := a.MapReduce.GetKeysStats(args[0], c.Int("start"), c.Int("take"))
		if err != nil {
			return err
		}
		for _, ks := range stats {
			fmt.Fprintf(c.App.Writer, "%q\t%d\n", ks.ReduceKey, ks.Count)
		}
		return nil
	})
}

func printRows(w io.Writer, rows []*mrdb.MappedResultInfo) {
	for _, row := range rows {
		fmt.Fprintf(w, "%s\tbucket %d\t%s", row.Etag, row.Bucket, row.Data)
		if row.DocumentKey != "" {
			fmt.Fprintf(w, "\t<= %s", row.DocumentKey)
		}
		if row.Level > 0 {
			fmt.Fprintf(w, "\t<= bucket %d", row.SourceBucket)
		}
		fmt.Fprintln(w)
	}
}

func printMapped(c *cli.Context, s *mrdb.Store) error {
	args, err := indexArg(c, 2)
	if err != nil {
		return err
	}
	return view(c, s, func(a *mrdb.Accessor) error {
		rows, err := a.MapReduce.GetMappedResultsForDebug(args[0], args[1], c.Int("start"), c.Int("take"))
		if err != nil {
			return err
		}
		printRows(c.App.Writer, rows)
		return nil
	})
}

func printReduced(c *cli.Context, s *mrdb.Store) error {
	args, err := indexArg(c, 2)
	if err != nil {
		return err
	}
	return view(c, s, func(a *mrdb.Accessor) error {
		rows, err := a.MapReduce.GetReducedResultsForDebug(args[0], args[1], c.Int("level"), c.Int("start"), c.Int("take"))
		if err != nil {
			return err
		}
		printRows(c.App.Writer, rows)
		return nil
	})
}

func printScheduled(c *cli.Context, s *mrdb.Store) error {
	args, err := indexArg(c, 1)
	if err != nil {
		return err
	}
	return view(c, s, func(a *mrdb.Accessor) error {
		scheduled, err := a.MapReduce.GetScheduledReductionsForDebug(args[0], c.Int("start"), c.Int("take"))
		if err != nil {
			return err
		}
		for _, info := range scheduled {
			fmt.Fprintf(c.App.Writer, "L%d\t%q\tbucket %d\t%s\t%s\n", info.Level, info.ReduceKey, info.Bucket, info.Etag, info.Timestamp.Format(time.RFC3339))
		}
		return nil
	})
}

func printWAL(c *cli.Context) error {
	w := c.App.Writer
	opt := journal.Options{
		FileName: mrdb.WALFileName,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Verbose:  c.Bool("verbose"),
	}
	st, err := journal.ReadAll(c.String("path"), opt, func(rec journal.Record) error {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d bytes\n", rec.Seq, rec.Kind, rec.Timestamp.Format(time.RFC3339), len(rec.Data))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d segment(s), %d record(s), %d since last checkpoint", st.Segments, st.Records, st.SinceCheckpoint)
	if st.TornBytes > 0 {
		fmt.Fprintf(w, ", %d torn byte(s) at the end", st.TornBytes)
	}
	fmt.Fprintln(w)
	return nil
}
