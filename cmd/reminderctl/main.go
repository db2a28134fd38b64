package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"reminderd/internal/reminder"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "reminderctl"
	app.HelpName = "reminderctl"
	app.Usage = "manage reminders on a running reminderd"
	app.UsageText = "reminderctl [global options] <command> [arguments...]"
	app.Version = version
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "addr, a",
			Usage:  "daemon HTTP address",
			Value:  "127.0.0.1:8080",
			EnvVar: "REMINDERD_ADDR",
		},
		cli.StringFlag{
			Name:   "token, t",
			Usage:  "bearer token for the API",
			EnvVar: "REMINDERD_TOKEN",
		},
		cli.StringFlag{
			Name:   "key, k",
			Usage:  "scheduler instance key",
			Value:  "default",
			EnvVar: "REMINDERD_KEY",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "create",
			Aliases:   []string{"c"},
			Usage:     "schedule a reminder",
			ArgsUsage: "<content>",
			Action:    create,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "at",
					Usage: "when to fire: duration from now (10m), RFC 3339, or epoch milliseconds",
				},
				cli.StringFlag{
					Name:  "user, u",
					Usage: "recipient user id",
				},
			},
		},
		{
			Name:      "delete",
			Aliases:   []string{"rm"},
			Usage:     "cancel a reminder",
			ArgsUsage: "<taskId>",
			Action:    remove,
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "show pending reminders, earliest first",
			Action:  list,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "json",
					Usage: "print raw JSON",
				},
			},
		},
	}
	return app
}

func clientFrom(c *cli.Context) (*client, error) {
	return newClient(c.GlobalString("addr"), c.GlobalString("token"), c.GlobalString("key"))
}

func create(c *cli.Context) error {
	cl, err := clientFrom(c)
	if err != nil {
		return err
	}
	at, err := parseWhen(c.String("at"), time.Now())
	if err != nil {
		return err
	}
	user := strings.TrimSpace(c.String("user"))
	if user == "" {
		return errors.New("--user is required")
	}
	content := strings.Join(c.Args(), " ")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := cl.Create(ctx, at, content, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\n", id, at.Local().Format(time.RFC3339))
	return nil
}

func remove(c *cli.Context) error {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return errors.New("taskId is required")
	}
	cl, err := clientFrom(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := cl.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
	return nil
}

func list(c *cli.Context) error {
	cl, err := clientFrom(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tasks, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	printTasks(c.App.Writer, tasks)
	return nil
}

func printTasks(w io.Writer, tasks []reminder.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tREMINDER AT\tUSER\tCONTENT")
	for _, t := range tasks {
		at := reminder.FromMillis(t.ReminderAt).Local().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TaskID, at, t.UserID, t.Content)
	}
	_ = tw.Flush()
}

// parseWhen accepts a duration from now, an RFC 3339 instant or epoch milliseconds.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("--at is required")
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("--at: cannot parse %q", s)
}
