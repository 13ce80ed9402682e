package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
)

type globalOptions struct {
	UserID string `short:"u" long:"user" env:"USER_ID" description:"User whose data is synchronized (defaults to user_id from the config)"`
}

var global globalOptions

func main() {
	log := logger.New()

	parser := flags.NewParser(&global, flags.Default)
	parser.ShortDescription = "offline-first sync client"

	commands := []struct {
		name, short, long string
		data              interface{}
	}{
		{"init", "Initialize sync", "Pick a first-sync strategy from the sync history on the device and the server and run it.", &initCommand{}},
		{"sync", "Run an incremental sync", "Drain the queue, reconcile changes with the server and upload pending entities.", &syncCommand{}},
		{"full-sync", "Reconcile everything", "Reconcile every local entity against every remote one and replace the local data set.", &fullSyncCommand{}},
		{"status", "Print sync status", "Print the last sync outcome, queue sizes and local entity counts.", &statusCommand{}},
		{"retry-failed", "Retry failed operations", "Give permanently failed queue operations a fresh retry budget and sync.", &retryFailedCommand{}},
		{"run", "Run the sync daemon", "Sync on an interval and on SIGUSR1 (reconnect), with a final sync on shutdown.", &runCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			log.Err(err).Fatal("flags setup error")
		}
	}

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
