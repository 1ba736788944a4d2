package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	kong "github.com/alecthomas/kong"

	parcel "github.com/parcelmq/parcel-go"
	"github.com/parcelmq/parcel-go/contracts"
)

const version = "1.0.0"

type Globals struct {
	DSN     []string         `name:"dsn" env:"PARCEL_DSN" help:"Connection DSN, repeatable for named connections"`
	Debug   bool             `name:"debug" help:"Enable debug logging"`
	Quiet   bool             `name:"quiet" help:"Only log warnings and errors"`
	Version kong.VersionFlag `name:"version" short:"V" help:"Print version and exit"`

	ctx context.Context
}

type CLI struct {
	Globals

	Consume ConsumeCommand `cmd:"" default:"withargs" help:"Consume messages from a queue and print them."`
	Count   CountCommand   `cmd:"" help:"Print the number of messages in a queue."`
	Clear   ClearCommand   `cmd:"" help:"Remove all messages from a queue."`
}

func main() {
	cli := new(CLI)
	ctx := kong.Parse(cli,
		kong.Name("parcel-consume"),
		kong.Description("Consume parcel queue messages"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	if cli.Quiet {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	for _, dsn := range cli.DSN {
		if err := parcel.Configure(dsn); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(2)
		}
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cli.Globals.ctx = runCtx

	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if contracts.IsConfig(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
