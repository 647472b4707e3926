package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"pgglab.ai/internal/persistence/archive"
	plog "pgglab.ai/internal/persistence/log"
)

func main() {
	var (
		dataDir     = flag.String("data", "./data", "data dir containing events/rounds-*.jsonl.zst")
		sessionPath = flag.String("session", "", "session archive json to verify (optional)")
		sessionID   = flag.String("session_id", "", "only verify rounds of this session (optional)")
	)
	flag.Parse()

	v := newVerifier(*sessionID)

	files, err := plog.RoundLogFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list round logs:", err)
		os.Exit(1)
	}
	for _, path := range files {
		err := plog.ReadJSONL(path, func(line []byte) error {
			var e plog.RoundEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			return v.Round(e)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}
	}

	if *sessionPath != "" {
		rec, err := archive.Load(*sessionPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load session:", err)
			os.Exit(1)
		}
		if err := verifySession(rec); err != nil {
			fmt.Fprintln(os.Stderr, "session:", err)
			os.Exit(1)
		}
		fmt.Printf("session %s ok: status=%s rounds=%d agents=%d\n", rec.SessionID, rec.Status, rec.CompletedRounds, len(rec.Agents))
	}

	fmt.Printf("replay ok: files=%d sessions=%d rounds=%d resumed=%d\n", len(files), len(v.last), v.checked, v.rewinds)
}
