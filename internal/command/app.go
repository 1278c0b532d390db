package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"taskdeck/internal/config"
	"taskdeck/internal/protocol"
)

// TaskClient is the REST surface the task subcommands drive.
type TaskClient interface {
	ListTasks(ctx context.Context) ([]protocol.Task, error)
	GetTask(ctx context.Context, id string) (protocol.Task, error)
	LaunchTask(ctx context.Context, req protocol.LaunchRequest) (protocol.Task, error)
	AttachPID(ctx context.Context, req protocol.AttachRequest) (protocol.Task, error)
	StartTask(ctx context.Context, id string) (protocol.Task, error)
	StopTask(ctx context.Context, id string) error
}

type Deps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config) error
	RunMigrateUp func(context.Context, config.Config) error
	NewClient    func(config.Config) TaskClient
	// RunAttach drives the interactive terminal of a task.
	RunAttach func(ctx context.Context, cfg config.Config, taskID string) error
	// RunTail renders a task's terminal headlessly until it finishes.
	RunTail func(ctx context.Context, cfg config.Config, taskID string, size [2]int) error
	Out     io.Writer
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "taskdeck",
		Usage: "run tasks in pseudo-terminals and watch them live",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "task server base URL (overrides TASKDECK_SERVER_URL)"},
			&cli.StringFlag{Name: "token", Usage: "api token (overrides TASKDECK_API_TOKEN)"},
		},
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(ctx, deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the task server",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps, loadConfig(ctx, deps))
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							if deps.RunMigrateUp == nil {
								return errors.New("migrate up runner is not configured")
							}
							return deps.RunMigrateUp(ctx.Context, loadConfig(ctx, deps))
						},
					},
				},
			},
			tasksCommand(deps),
			{
				Name:      "attach",
				Usage:     "attach this terminal to a running task",
				ArgsUsage: "TASK_ID",
				Action: func(ctx *cli.Context) error {
					id, err := taskIDArg(ctx)
					if err != nil {
						return err
					}
					if deps.RunAttach == nil {
						return errors.New("attach runner is not configured")
					}
					return deps.RunAttach(ctx.Context, loadConfig(ctx, deps), id)
				},
			},
			{
				Name:      "tail",
				Usage:     "render a task's terminal headlessly until it ends",
				ArgsUsage: "TASK_ID",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "cols", Value: 120},
					&cli.IntFlag{Name: "rows", Value: 40},
				},
				Action: func(ctx *cli.Context) error {
					id, err := taskIDArg(ctx)
					if err != nil {
						return err
					}
					if deps.RunTail == nil {
						return errors.New("tail runner is not configured")
					}
					return deps.RunTail(ctx.Context, loadConfig(ctx, deps), id, [2]int{ctx.Int("cols"), ctx.Int("rows")})
				},
			},
		},
	}
}

func tasksCommand(deps Deps) *cli.Command {
	jsonFlag := &cli.BoolFlag{Name: "json", Usage: "print raw JSON"}
	return &cli.Command{
		Name:  "tasks",
		Usage: "manage tasks on the server",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list tasks",
				Flags: []cli.Flag{jsonFlag},
				Action: func(ctx *cli.Context) error {
					client, err := newClient(ctx, deps)
					if err != nil {
						return err
					}
					tasks, err := client.ListTasks(ctx.Context)
					if err != nil {
						return err
					}
					if ctx.Bool("json") {
						return writeJSON(output(deps), tasks)
					}
					return writeTable(output(deps), tasks)
				},
			},
			{
				Name:      "get",
				Usage:     "show one task",
				ArgsUsage: "TASK_ID",
				Action: func(ctx *cli.Context) error {
					return withTask(ctx, deps, func(c TaskClient, id string) (protocol.Task, error) {
						return c.GetTask(ctx.Context, id)
					})
				},
			},
			{
				Name:  "launch",
				Usage: "record a new task, optionally starting it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "command", Aliases: []string{"c"}, Required: true},
					&cli.StringFlag{Name: "env-type", Value: protocol.EnvShell, Usage: "shell, conda, mamba, micromamba, uv or jupyter"},
					&cli.StringFlag{Name: "env-name"},
					&cli.StringFlag{Name: "cwd"},
					&cli.StringSliceFlag{Name: "arg"},
					&cli.BoolFlag{Name: "start", Usage: "spawn immediately"},
				},
				Action: func(ctx *cli.Context) error {
					client, err := newClient(ctx, deps)
					if err != nil {
						return err
					}
					task, err := client.LaunchTask(ctx.Context, protocol.LaunchRequest{
						Name:    ctx.String("name"),
						Command: ctx.String("command"),
						EnvType: ctx.String("env-type"),
						EnvName: ctx.String("env-name"),
						Cwd:     ctx.String("cwd"),
						Args:    ctx.StringSlice("arg"),
						Start:   ctx.Bool("start"),
					})
					if err != nil {
						return err
					}
					return writeJSON(output(deps), task)
				},
			},
			{
				Name:  "attach-pid",
				Usage: "track an existing process",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "pid", Required: true},
					&cli.StringFlag{Name: "name"},
				},
				Action: func(ctx *cli.Context) error {
					client, err := newClient(ctx, deps)
					if err != nil {
						return err
					}
					task, err := client.AttachPID(ctx.Context, protocol.AttachRequest{PID: ctx.Int("pid"), Name: ctx.String("name")})
					if err != nil {
						return err
					}
					return writeJSON(output(deps), task)
				},
			},
			{
				Name:      "start",
				Usage:     "start a created task",
				ArgsUsage: "TASK_ID",
				Action: func(ctx *cli.Context) error {
					return withTask(ctx, deps, func(c TaskClient, id string) (protocol.Task, error) {
						return c.StartTask(ctx.Context, id)
					})
				},
			},
			{
				Name:      "stop",
				Usage:     "terminate a running task",
				ArgsUsage: "TASK_ID",
				Action: func(ctx *cli.Context) error {
					id, err := taskIDArg(ctx)
					if err != nil {
						return err
					}
					client, err := newClient(ctx, deps)
					if err != nil {
						return err
					}
					return client.StopTask(ctx.Context, id)
				},
			},
		},
	}
}

func loadConfig(ctx *cli.Context, deps Deps) config.Config {
	var cfg config.Config
	if deps.LoadConfig != nil {
		cfg = deps.LoadConfig()
	} else {
		cfg = config.LoadConfig()
	}
	if server := strings.TrimRight(strings.TrimSpace(ctx.String("server")), "/"); server != "" {
		cfg.ServerURL = server
	}
	if token := strings.TrimSpace(ctx.String("token")); token != "" {
		cfg.APIToken = token
	}
	return cfg
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func newClient(ctx *cli.Context, deps Deps) (TaskClient, error) {
	if deps.NewClient == nil {
		return nil, errors.New("task client is not configured")
	}
	return deps.NewClient(loadConfig(ctx, deps)), nil
}

func withTask(ctx *cli.Context, deps Deps, fn func(TaskClient, string) (protocol.Task, error)) error {
	id, err := taskIDArg(ctx)
	if err != nil {
		return err
	}
	client, err := newClient(ctx, deps)
	if err != nil {
		return err
	}
	task, err := fn(client, id)
	if err != nil {
		return err
	}
	return writeJSON(output(deps), task)
}

func taskIDArg(ctx *cli.Context) (string, error) {
	id := strings.TrimSpace(ctx.Args().First())
	if id == "" {
		return "", fmt.Errorf("%s: TASK_ID is required", ctx.Command.Name)
	}
	return id, nil
}

func output(deps Deps) io.Writer {
	if deps.Out != nil {
		return deps.Out
	}
	return os.Stdout
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, tasks []protocol.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSOURCE\tPID\tCREATED")
	for _, task := range tasks {
		pid := "-"
		if task.PID != nil {
			pid = fmt.Sprint(*task.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", task.ID, task.Name, task.Status, task.Source, pid, task.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
