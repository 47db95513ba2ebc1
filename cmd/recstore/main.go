package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/0xRadioAc7iv/go-recstore/internal/utils"
	"github.com/0xRadioAc7iv/go-recstore/recstore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var Version = "development"

func main() {
	app := &cli.App{
		Name:      "recstore",
		Usage:     "inspect and edit a record store",
		Version:   Version,
		UsageText: "recstore --store <path> [global options] command [arguments...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "store",
				Aliases:  []string{"s"},
				Usage:    "base path of the store files",
				EnvVars:  []string{"RECSTORE_PATH"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML file with store tunables",
			},
			&cli.BoolFlag{
				Name:  "refcounted",
				Usage: "open the store with reference-counted, compressed records",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warning",
				Usage: "panic, fatal, error, warning, info, debug or trace",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return errors.Wrap(err, "parse log level")
			}
			logrus.SetLevel(level)
			logrus.SetOutput(os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			oneShot("stat", "print record counts and heap usage", ""),
			oneShot("check", "verify every live record against the heap", ""),
			oneShot("compact", "rewrite the heap without waste", ""),
			oneShot("get", "print the content of a record", "<id>"),
			{
				Name:      "put",
				Usage:     "create a record, or replace one with --id; reads stdin without a value",
				ArgsUsage: "[value]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "id", Usage: "record to replace"},
					&cli.BoolFlag{Name: "fixed", Usage: "reserve exactly the written size"},
				},
				Action: func(c *cli.Context) error {
					data, err := valueOrStdin(c.Args().First(), c.NArg() > 0)
					if err != nil {
						return err
					}
					return withSession(c, func(s *session) error {
						if c.IsSet("id") {
							return s.write(c.Int("id"), data, c.Bool("fixed"))
						}
						return s.create(data, c.Bool("fixed"))
					})
				},
			},
			oneShot("append", "append a value to a record", "<id> <value>"),
			oneShot("rm", "delete a record", "<id>"),
			oneShot("acquire", "add a reference to a record (--refcounted)", "<id>"),
			oneShot("release", "drop a reference to a record (--refcounted)", "<id>"),
			{
				Name:  "shell",
				Usage: "run commands interactively",
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *session) error {
						return repl(s, os.Stdin)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// oneShot is a command that opens the store, runs a single shell command and
// closes it.
func oneShot(name, usage, argsUsage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Action: func(c *cli.Context) error {
			return withSession(c, func(s *session) error {
				return s.execute(name, c.Args().Slice())
			})
		},
	}
}

func withSession(c *cli.Context, fn func(*session) error) error {
	opts := []recstore.Option{recstore.WithLogger(logrus.NewEntry(logrus.StandardLogger()))}
	if file := c.String("config"); file != "" {
		cfg, err := recstore.LoadConfigFile(file)
		if err != nil {
			return err
		}
		opts = append([]recstore.Option{recstore.WithConfig(cfg)}, opts...)
	}

	s, err := openSession(c.String("store"), c.Bool("refcounted"), os.Stdout, opts...)
	if err != nil {
		return err
	}

	fnErr := fn(s)
	if err := s.close(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

func valueOrStdin(value string, given bool) ([]byte, error) {
	if given && value != "-" {
		return []byte(value), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, errors.Wrap(err, "read stdin")
	}
	return data, nil
}

func repl(s *session, in io.Reader) error {
	fmt.Fprintf(s.out, "Opened %s\n", s.path)
	fmt.Fprintln(s.out, "Type commands. 'help' for information or 'exit' to quit.")

	reader := bufio.NewReader(in)

	for {
		fmt.Fprint(s.out, "> ")

		line, err := reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "read input")
		}

		line = strings.TrimSpace(line)

		if line == "" {
			continue
		}

		if line == "exit" || line == "quit" {
			return nil
		}

		cmd, args, err := utils.SplitCommandLine(line)
		if err != nil {
			fmt.Fprintln(s.out, "parse error:", err)
			continue
		}

		if err := s.execute(cmd, args); err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}
