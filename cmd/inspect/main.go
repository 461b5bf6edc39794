package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"condenser/pkg/logger"
	"condenser/pkg/store"
)

// inspect dumps store contents for debugging: records, summaries, failures
// and the scan cursor.
func main() {
	var (
		dbPath = flag.String("db", "./.database", "Pebble DB path")
		kind   = flag.String("kind", "all", "what to dump: records|summaries|failures|cursor|all")
		limit  = flag.Int("limit", 20, "max entries per section (0 = no limit)")
		raw    = flag.Bool("raw", false, "print raw JSON values instead of one-line summaries")
	)
	flag.Parse()

	logger.InitWithLevel("error")
	if err := store.Open(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	if *kind == "cursor" || *kind == "all" {
		cur, err := store.Cursor()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cursor: %v\n", err)
			os.Exit(1)
		}
		if cur == "" {
			fmt.Println("cursor: <unset>")
		} else {
			fmt.Printf("cursor: %s\n", cur)
		}
	}

	sections := map[string]string{
		"records":   "record:",
		"summaries": "summary:",
		"failures":  "failure:",
	}
	for _, name := range []string{"records", "summaries", "failures"} {
		if *kind != "all" && *kind != name {
			continue
		}
		prefix := sections[name]
		total, err := store.CountPrefix(prefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "count %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("\n== %s (%d) ==\n", name, total)
		err = store.ScanPrefix(prefix, *limit, func(key string, value []byte) error {
			if *raw {
				fmt.Printf("%s\t%s\n", key, value)
				return nil
			}
			return printCompact(key, value)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan %s: %v\n", name, err)
			os.Exit(1)
		}
	}
}

func printCompact(key string, value []byte) error {
	var m map[string]any
	if err := json.Unmarshal(value, &m); err != nil {
		fmt.Printf("%s\t<%d bytes, not JSON>\n", key, len(value))
		return nil
	}
	switch {
	case m["summary"] != nil:
		fmt.Printf("%s\tsession=%v summary=%.60v\n", key, m["session_id"], m["summary"])
	case m["kind"] != nil:
		fmt.Printf("%s\tkind=%v retriable=%v detail=%.60v\n", key, m["kind"], m["retriable"], m["detail"])
	default:
		fmt.Printf("%s\tcontent=%.60v\n", key, m["content"])
	}
	return nil
}
