// Package main is the entry point for the sentinel-top dashboard.
package main

import (
	"flag"
	"fmt"
	"os"

	"gami-sentinel/internal/tui"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8003", "sentinel API base URL")
	apiKey := flag.String("api-key", os.Getenv("SENTINEL_API_KEY"), "API key for authenticated instances")
	flag.Parse()

	if err := tui.Run(*baseURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-top: %v\n", err)
		os.Exit(1)
	}
}
