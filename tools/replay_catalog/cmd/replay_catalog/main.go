package main

import (
	"flag"
	"fmt"
	"os"

	"hillrider/broker/internal/replay"
	replaycatalog "hillrider/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing ride bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	policy := flag.String("policy", "", "only list rides using this terrain policy")
	course := flag.String("course", "", "only list bounded or infinite rides")
	minSeed := flag.Uint64("min-seed", 0, "only list rides whose seed is at least this value")
	flag.Parse()

	entries, err := replay.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	entries, err = replaycatalog.Filter{Policy: *policy, Course: *course, MinSeed: *minSeed}.Apply(entries)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}
	if err := replaycatalog.Render(os.Stdout, entries); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
