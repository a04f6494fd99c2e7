package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/codedogQBY/nimbus-sub000/cmd/flags"
	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/foldersync"
	"github.com/codedogQBY/nimbus-sub000/httpserver"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "nimbus-storage",
		Usage:   "Serve and operate the multi-backend storage layer",
		Version: common.Version,
		Flags:   flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the storage HTTP API",
				Flags:  flags.ServerFlags,
				Action: runServe,
			},
			{
				Name:  "sources",
				Usage: "inspect storage sources",
				Subcommands: []*cli.Command{
					{
						Name:   "test",
						Usage:  "probe every active source, or the given source ids",
						Action: runSourcesTest,
					},
				},
			},
			{
				Name:  "folders",
				Usage: "operate on folders across every source",
				Subcommands: []*cli.Command{
					{
						Name:      "ls",
						Usage:     "list the merged contents of a folder",
						ArgsUsage: "<path>",
						Action:    runFoldersList,
					},
					{
						Name:      "mkdir",
						Usage:     "create a folder on every source",
						ArgsUsage: "<path>",
						Action:    runFoldersCreate,
					},
					{
						Name:      "mv",
						Usage:     "rename a folder on every source",
						ArgsUsage: "<from> <to>",
						Action:    runFoldersRename,
					},
					{
						Name:      "rm",
						Usage:     "delete a folder from every source",
						ArgsUsage: "<path>",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "delete folder contents too"},
						},
						Action: runFoldersDelete,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	svc, err := newService(cCtx, logger)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	handler := httpserver.NewHandler(svc.manager, svc.folders, cCtx.Int64(flags.MaxUploadSizeFlag.Name), logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	// Build the pool once so misconfigured sources show up at startup.
	sources, err := svc.manager.Pool(cCtx.Context)
	if err != nil {
		logger.Error("Failed to load storage sources", "err", err)
		return err
	}
	logger.Info("Storage pool ready", "sources", len(sources), "failed", len(svc.manager.Failures()))

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSourcesTest(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	svc, err := newService(cCtx, logger)
	if err != nil {
		return err
	}
	defer svc.Close(cCtx.Context)

	if cCtx.NArg() == 0 {
		results, err := svc.manager.TestAll(cCtx.Context)
		if err != nil {
			return err
		}
		if err := printJSON(results); err != nil {
			return err
		}
		for _, r := range results {
			if !r.Online {
				return cli.Exit("", 1)
			}
		}
		return nil
	}

	failed := false
	for _, id := range cCtx.Args().Slice() {
		online, err := svc.manager.TestSource(cCtx.Context, id)
		result := map[string]any{"id": id, "online": online}
		if err != nil {
			result["error"] = err.Error()
		}
		failed = failed || !online
		if err := printJSON(result); err != nil {
			return err
		}
	}
	if failed {
		return cli.Exit("", 1)
	}
	return nil
}

func requireArgs(cCtx *cli.Context, n int) error {
	if cCtx.NArg() != n {
		return fmt.Errorf("expected %d argument(s): %s", n, cCtx.Command.ArgsUsage)
	}
	return nil
}

// runFolderOp prints the result and fails when any source failed.
func runFolderOp(cCtx *cli.Context, nargs int, op func(ctx context.Context, svc *service) (*foldersync.Result, error)) error {
	if err := requireArgs(cCtx, nargs); err != nil {
		return err
	}
	logger := flags.SetupLogger(cCtx)
	svc, err := newService(cCtx, logger)
	if err != nil {
		return err
	}
	defer svc.Close(cCtx.Context)

	res, err := op(cCtx.Context, svc)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return cli.Exit(fmt.Sprintf("%d source(s) failed", len(res.Failed())), 1)
	}
	return nil
}

func runFoldersList(cCtx *cli.Context) error {
	path := "/"
	if cCtx.NArg() > 1 {
		return errors.New("expected at most one path")
	}
	if cCtx.NArg() == 1 {
		path = cCtx.Args().First()
	}
	logger := flags.SetupLogger(cCtx)
	svc, err := newService(cCtx, logger)
	if err != nil {
		return err
	}
	defer svc.Close(cCtx.Context)

	view, err := svc.folders.MergeFolderContents(cCtx.Context, path)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runFoldersCreate(cCtx *cli.Context) error {
	return runFolderOp(cCtx, 1, func(ctx context.Context, svc *service) (*foldersync.Result, error) {
		return svc.folders.CreateFolder(ctx, cCtx.Args().Get(0))
	})
}

func runFoldersRename(cCtx *cli.Context) error {
	return runFolderOp(cCtx, 2, func(ctx context.Context, svc *service) (*foldersync.Result, error) {
		return svc.folders.RenameFolder(ctx, cCtx.Args().Get(0), cCtx.Args().Get(1))
	})
}

func runFoldersDelete(cCtx *cli.Context) error {
	return runFolderOp(cCtx, 1, func(ctx context.Context, svc *service) (*foldersync.Result, error) {
		return svc.folders.DeleteFolder(ctx, cCtx.Args().Get(0), cCtx.Bool("recursive"))
	})
}
