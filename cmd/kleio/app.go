package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/kleio"
	"github.com/snowflk/kleiostore/internal/persistence/kleio/hybridlog"
	"github.com/urfave/cli/v2"
)

const defaultPageSize = 20

var syncPolicies = map[string]hybridlog.SyncPolicy{
	"none":   hybridlog.NoSync,
	"always": hybridlog.AlwaysSync,
	"second": hybridlog.SyncEverySecond,
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kleio",
		Usage: "inspect and write a kleio event store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./data",
				Usage:   "data directory of the store",
				EnvVars: []string{"KLEIO_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "log level: debug|info|warn|error",
				EnvVars: []string{"KLEIO_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "sync",
				Value:   "always",
				Usage:   "fsync policy of the log: none|always|second",
				EnvVars: []string{"KLEIO_SYNC"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := log.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "append",
				Usage:     "append one event to a stream",
				ArgsUsage: "STREAM TYPE DATA",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "expected-version", Value: persistence.ExpectedVersionAny, Usage: "-2 any, -1 no stream, or the last event number"},
					&cli.BoolFlag{Name: "json", Usage: "mark the data as JSON"},
				},
				Action: appendAction,
			},
			{
				Name:      "delete",
				Usage:     "delete a stream",
				ArgsUsage: "STREAM",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "expected-version", Value: persistence.ExpectedVersionAny},
				},
				Action: deleteAction,
			},
			{
				Name:      "read",
				Usage:     "read a single event",
				ArgsUsage: "STREAM EVENT_NUMBER",
				Action:    readAction,
			},
			{
				Name:      "read-stream",
				Usage:     "read a range of events of a stream",
				ArgsUsage: "STREAM",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "from", Value: 0, Usage: "first event number, -1 reads backward from the end"},
					&cli.IntFlag{Name: "count", Value: defaultPageSize},
					&cli.BoolFlag{Name: "backward"},
				},
				Action: readStreamAction,
			},
			{
				Name:  "read-all",
				Usage: "read the global log",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "cursor printed by a previous read, defaults to the start or the end"},
					&cli.IntFlag{Name: "count", Value: defaultPageSize},
					&cli.BoolFlag{Name: "backward"},
				},
				Action: readAllAction,
			},
			{
				Name:      "last",
				Usage:     "print the last event number of a stream",
				ArgsUsage: "STREAM",
				Action:    lastAction,
			},
			{
				Name:      "streams",
				Usage:     "list streams matching a pattern",
				ArgsUsage: "[PATTERN]",
				Action:    streamsAction,
			},
		},
	}
}

func withStorage(c *cli.Context, fn func(s *kleio.Storage) error) error {
	policy, ok := syncPolicies[c.String("sync")]
	if !ok {
		return errors.Errorf("invalid --sync %q; use none|always|second", c.String("sync"))
	}
	storage, err := kleio.New(kleio.Options{
		RootDir:       c.String("data-dir"),
		SyncPolicy:    policy,
		FlushInterval: -1,
	})
	if err != nil {
		return err
	}
	err = fn(storage)
	if cerr := storage.Close(); err == nil {
		err = cerr
	}
	return err
}

func requireArgs(c *cli.Context, n int) error {
	if c.Args().Len() != n {
		return errors.Errorf("%s expects %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

func appendAction(c *cli.Context) error {
	if err := requireArgs(c, 3); err != nil {
		return err
	}
	event := persistence.EventData{
		EventType: c.Args().Get(1),
		Data:      []byte(c.Args().Get(2)),
		IsJSON:    c.Bool("json"),
	}
	return withStorage(c, func(s *kleio.Storage) error {
		res, err := s.AppendEvents(context.Background(), c.Args().Get(0), c.Int64("expected-version"), []persistence.EventData{event})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d@%s %s\n", res.FirstEventNumber, c.Args().Get(0), res.Position)
		return nil
	})
}

func deleteAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withStorage(c, func(s *kleio.Storage) error {
		res, err := s.DeleteStream(context.Background(), c.Args().Get(0), c.Int64("expected-version"))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "deleted@%s %s\n", c.Args().Get(0), res.Position)
		return nil
	})
}

func readAction(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	eventNumber, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid event number")
	}
	return withStorage(c, func(s *kleio.Storage) error {
		res, err := s.ReadEvent(c.Args().Get(0), eventNumber)
		if err != nil {
			return err
		}
		if res.Status != persistence.ReadEventSuccess {
			fmt.Fprintln(c.App.Writer, res.Status)
			return nil
		}
		printRecord(c, res.Record)
		return nil
	})
}

func readStreamAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	streamID := c.Args().Get(0)
	return withStorage(c, func(s *kleio.Storage) error {
		var (
			slice persistence.StreamEventsSlice
			err   error
		)
		if c.Bool("backward") {
			slice, err = s.ReadStreamEventsBackward(streamID, c.Int64("from"), c.Int("count"))
		} else {
			slice, err = s.ReadStreamEventsForward(streamID, c.Int64("from"), c.Int("count"))
		}
		if err != nil {
			return err
		}
		for _, rec := range slice.Records {
			printRecord(c, rec)
		}
		fmt.Fprintf(c.App.Writer, "%s next=%d last=%d end=%t\n",
			slice.Status, slice.NextEventNumber, slice.LastEventNumber, slice.IsEndOfStream)
		return nil
	})
}

func readAllAction(c *cli.Context) error {
	return withStorage(c, func(s *kleio.Storage) error {
		backward := c.Bool("backward")
		from := persistence.StartPosition
		if backward {
			from = s.LastPosition()
		}
		if cursor := c.String("from"); cursor != "" {
			var err error
			if from, err = persistence.ParsePosition(cursor); err != nil {
				return err
			}
		}
		var (
			slice persistence.AllEventsSlice
			err   error
		)
		if backward {
			slice, err = s.ReadAllEventsBackward(from, c.Int("count"))
		} else {
			slice, err = s.ReadAllEventsForward(from, c.Int("count"))
		}
		if err != nil {
			return err
		}
		for _, rec := range slice.Records {
			printRecord(c, rec)
		}
		fmt.Fprintf(c.App.Writer, "next=%s\n", slice.NextPosition)
		return nil
	})
}

func lastAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withStorage(c, func(s *kleio.Storage) error {
		switch last := s.GetStreamLastEventNumber(c.Args().Get(0)); last {
		case persistence.NoStream:
			fmt.Fprintln(c.App.Writer, "no stream")
		case persistence.DeletedStream:
			fmt.Fprintln(c.App.Writer, "deleted")
		default:
			fmt.Fprintln(c.App.Writer, last)
		}
		return nil
	})
}

func streamsAction(c *cli.Context) error {
	pattern := "*"
	if c.Args().Len() > 0 {
		pattern = c.Args().Get(0)
	}
	return withStorage(c, func(s *kleio.Storage) error {
		for _, name := range s.ListStreams(persistence.Pattern(pattern)) {
			fmt.Fprintln(c.App.Writer, name)
		}
		return nil
	})
}

func printRecord(c *cli.Context, rec persistence.LogRecord) {
	fmt.Fprintf(c.App.Writer, "%s %s %s\n", rec, rec.EventType, rec.Position)
}
