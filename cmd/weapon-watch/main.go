/*
Package main is the entry point for the weapon-watch CLI.

weapon-watch is a headless client for a weapon-detection backend. It keeps a
live push channel open, caches and persists detection records and exposes
stats and analytics over a local JSON API.

Usage:
  weapon-watch [command]

Available Commands:
  watch       Run the live detection client and local API
  history     Browse and manage the backend detection history
  detect      Run weapon detection on an image or video
  status      Check backend health and the push channel
  model       Show the backend's detection model
  stats       Summarize the detection history
  config      Create and inspect the configuration file
  version     Show version information

Examples:
  # Point at a backend and start watching
  weapon-watch config init --url http://192.168.1.20:8000
  weapon-watch watch

  # Check a single image
  weapon-watch detect photo.jpg
*/
package main

import (
	"fmt"
	"os"

	"github.com/khanglvm/weapon-watch/internal/cli"
	"github.com/khanglvm/weapon-watch/internal/version"
)

// Version information (set via ldflags during build)
var (
	buildVersion = "dev"
	commit       = "none"
	date         = "unknown"
)

func main() {
	version.Version, version.Commit, version.Date = buildVersion, commit, date

	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
