package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	replayplayer "hillrider/broker/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a ride bundle directory or manifest.json")
	verify := flag.Bool("verify", false, "Re-simulate the ride and compare it against the recorded frames")
	dump := flag.Bool("events", false, "Include the full event log in the output")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	bundle, err := replayplayer.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	summary, err := replayplayer.Summarize(bundle)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		Manifest     any                        `json:"manifest"`
		Summary      replayplayer.Summary       `json:"summary"`
		Verification *replayplayer.Verification `json:"verification,omitempty"`
		Events       any                        `json:"events,omitempty"`
	}{Manifest: bundle.Manifest, Summary: summary}
	if *dump {
		payload.Events = bundle.Events
	}
	exit := 0
	if *verify {
		//1.- A diverging replay is reported and signalled through the exit code.
		result, err := replayplayer.Verify(bundle)
		if err != nil {
			fmt.Fprintln(os.Stderr, "verify error:", err)
			os.Exit(2)
		}
		payload.Verification = &result
		if !result.Matched {
			exit = 4
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	os.Exit(exit)
}
