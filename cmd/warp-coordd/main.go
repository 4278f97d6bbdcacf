package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli struct {
		Redis   RedisFlags `kong:"embed,prefix='redis-'"`
		Verbose bool       `kong:"optional,name='verbose',short='v',help='Log debug messages.'"`

		Run  RunCmd  `kong:"cmd,help='Runs the eviction and row refresh daemons.'"`
		Lock LockCmd `kong:"cmd,help='Acquires a named lock, holds it and releases it.'"`
	}

	parser := kong.Must(&cli,
		kong.Name("warp-coordd"),
		kong.Description("Redis backed locks, semaphores and cache maintenance daemons."),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.UsageOnError())

	app, parseErr := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(parseErr)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	appErr := app.Run(&cli.Redis)
	app.FatalIfErrorf(appErr)
}
