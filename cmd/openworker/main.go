// Command openworker serves a JavaScript worker over HTTP or runs one of
// its scheduled tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	worker "github.com/cryguy/openworker"
)

var (
	scriptPath string
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "openworker",
	Short: "Run JavaScript workers on an embedded engine",
	Long: `Run JavaScript workers on an embedded engine.

A worker script registers handlers with addEventListener("fetch", ...) and
addEventListener("scheduled", ...), or exports them from an ES module:

  export default {
    async fetch(request, env, ctx) { return new Response("hello"); },
    async scheduled(event, env, ctx) { console.log(event.cron); },
  };`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&scriptPath, "script", "s", "worker.js", "worker script")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "openworker.yaml", "config file, optional")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.AddCommand(serveCmd, runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// logContext builds the logging context every command runs under.
func logContext(ctx context.Context) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// load reads the script and the configuration.
func load() (string, worker.Config, error) {
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", worker.Config{}, fmt.Errorf("reading script: %w", err)
	}
	cfg, err := worker.LoadConfig(configPath)
	if err != nil {
		return "", cfg, err
	}
	return string(src), cfg, nil
}
