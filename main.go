package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/duorec/duorec/cmd"
	"github.com/duorec/duorec/internal/buildinfo"
	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/telemetry"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "dev"
	buildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile, debug := bootstrapFlags(os.Args[1:])

	settings, err := conf.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		return 1
	}

	if debug || settings.Debug {
		settings.Debug = true
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	centralLogger, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %v\n", err)
		return 1
	}
	logger.SetGlobal(centralLogger)
	defer func() { _ = centralLogger.Close() }()

	info := buildinfo.NewContext(version, buildDate)
	if err := telemetry.InitSentry(&settings.Telemetry, info.GetVersion()); err != nil {
		centralLogger.Module("main").Warn("telemetry disabled", logger.Error(err))
	}
	defer telemetry.Flush(telemetry.FlushTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.RootCommand(settings)
	rootCmd.Version = info.String()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// bootstrapFlags extracts the flags needed before settings and logging exist.
// Everything else is left to cobra.
func bootstrapFlags(args []string) (configFile string, debug bool) {
	fs := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	fs.ParseErrorsAllowlist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.StringVar(&configFile, "config", "", "")
	fs.BoolVarP(&debug, "debug", "d", false, "")
	_ = fs.Parse(args)
	return configFile, debug
}
