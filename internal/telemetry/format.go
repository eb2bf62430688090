package telemetry

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

// WriteRecord appends one poll result to w in the plain-text log format.
func WriteRecord(w io.Writer, at time.Time, stats []GPUStat) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Current Time: %s\n", at.Format(config.TimestampLayout))
	for _, g := range stats {
		fmt.Fprintf(bw, "GPU %d (%s):\n", g.ID, g.Name)
		fmt.Fprintf(bw, "  GPU Utilization: %s%%\n", num(g.Utilization))
		fmt.Fprintf(bw, "  Memory Utilization: %s%%\n", num(g.MemoryUtilization))
		fmt.Fprintf(bw, "  Memory: %s MiB / %s MiB\n", num(g.MemoryUsed), num(g.MemoryTotal))
		bw.WriteString("\n")
	}
	bw.WriteString("\n")
	return bw.Flush()
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
