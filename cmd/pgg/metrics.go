package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"pgglab.ai/internal/experiment"
	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/transport/observer"
)

func writeMetrics(w io.Writer, s *game.Session, obs *observer.Server, runner *experiment.Runner) {
	v := s.View()
	fmt.Fprintf(w, "# HELP pgg_session_round Last settled round.\n")
	fmt.Fprintf(w, "# TYPE pgg_session_round gauge\n")
	fmt.Fprintf(w, "pgg_session_round{session=%q} %d\n", v.SessionID, v.CurrentRound)

	if n := len(v.Rounds); n > 0 {
		last := v.Rounds[n-1]
		fmt.Fprintf(w, "# HELP pgg_round_total_contribution Total contribution of the last settled round.\n")
		fmt.Fprintf(w, "# TYPE pgg_round_total_contribution gauge\n")
		fmt.Fprintf(w, "pgg_round_total_contribution{session=%q} %g\n", v.SessionID, last.Stats.TotalContribution)
		defaulted := 0
		for _, a := range last.Agents {
			if a.Defaulted {
				defaulted++
			}
		}
		fmt.Fprintf(w, "# HELP pgg_round_defaulted_decisions Decisions that fell back to zero in the last round.\n")
		fmt.Fprintf(w, "# TYPE pgg_round_defaulted_decisions gauge\n")
		fmt.Fprintf(w, "pgg_round_defaulted_decisions{session=%q} %d\n", v.SessionID, defaulted)
	}

	fmt.Fprintf(w, "# HELP pgg_observer_subscribers Connected observer feeds.\n")
	fmt.Fprintf(w, "# TYPE pgg_observer_subscribers gauge\n")
	fmt.Fprintf(w, "pgg_observer_subscribers %d\n", obs.Subscribers())

	if idx := runner.Index(); idx != nil {
		st := idx.Stats()
		fmt.Fprintf(w, "# HELP pgg_index_queue_depth SQLite index queue depth.\n")
		fmt.Fprintf(w, "# TYPE pgg_index_queue_depth gauge\n")
		fmt.Fprintf(w, "pgg_index_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(w, "# HELP pgg_index_dropped_total Index rows dropped because the queue was full.\n")
		fmt.Fprintf(w, "# TYPE pgg_index_dropped_total counter\n")
		fmt.Fprintf(w, "pgg_index_dropped_total{kind=\"round\"} %d\n", st.DropRoundTotal)
		fmt.Fprintf(w, "pgg_index_dropped_total{kind=\"checkpoint\"} %d\n", st.DropCheckpointTotal)
		fmt.Fprintf(w, "# HELP pgg_index_write_errors_total Failed index transactions.\n")
		fmt.Fprintf(w, "# TYPE pgg_index_write_errors_total counter\n")
		fmt.Fprintf(w, "pgg_index_write_errors_total %d\n", st.WriteErrorTotal)
	}

	if m := runner.Mirror(); m != nil {
		st := m.Stats()
		fmt.Fprintf(w, "# HELP pgg_r2_mirror_queue_depth Current mirror queue depth.\n")
		fmt.Fprintf(w, "# TYPE pgg_r2_mirror_queue_depth gauge\n")
		fmt.Fprintf(w, "pgg_r2_mirror_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(w, "# HELP pgg_r2_mirror_dropped_total Files dropped because the queue stayed saturated.\n")
		fmt.Fprintf(w, "# TYPE pgg_r2_mirror_dropped_total counter\n")
		fmt.Fprintf(w, "pgg_r2_mirror_dropped_total %d\n", st.DroppedTotal)
		fmt.Fprintf(w, "# HELP pgg_r2_mirror_upload_success_total Successful uploads.\n")
		fmt.Fprintf(w, "# TYPE pgg_r2_mirror_upload_success_total counter\n")
		fmt.Fprintf(w, "pgg_r2_mirror_upload_success_total %d\n", st.UploadSuccessTotal)
		fmt.Fprintf(w, "# HELP pgg_r2_mirror_upload_fail_total Uploads that failed after retry.\n")
		fmt.Fprintf(w, "# TYPE pgg_r2_mirror_upload_fail_total counter\n")
		fmt.Fprintf(w, "pgg_r2_mirror_upload_fail_total %d\n", st.UploadFailTotal)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
