package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

var smiArgs = []string{
	"--query-gpu=index,name,utilization.gpu,utilization.memory,memory.used,memory.total",
	"--format=csv,noheader,nounits",
}

// SMIReader queries local GPUs through nvidia-smi.
type SMIReader struct {
	// Run executes nvidia-smi and returns its stdout. Tests replace it.
	Run func(ctx context.Context) ([]byte, error)
}

// NewSMIReader returns a reader that invokes the nvidia-smi binary on PATH.
func NewSMIReader() *SMIReader {
	return &SMIReader{Run: runSMI}
}

func runSMI(ctx context.Context) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "nvidia-smi", smiArgs...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running nvidia-smi: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Read returns one GPUStat per device.
func (r *SMIReader) Read(ctx context.Context) ([]GPUStat, error) {
	out, err := r.Run(ctx)
	if err != nil {
		return nil, err
	}
	return parseSMI(out)
}

func parseSMI(out []byte) ([]GPUStat, error) {
	stats := []GPUStat{}
	for n, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("nvidia-smi line %d: expected 6 fields, got %d", n+1, len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi line %d: index: %w", n+1, err)
		}
		var nums [4]float64
		for i := range nums {
			// Unsupported counters are reported as "[N/A]".
			v, err := strconv.ParseFloat(fields[i+2], 64)
			if err != nil {
				v = 0
			}
			nums[i] = v
		}
		stats = append(stats, GPUStat{
			ID:                id,
			Name:              fields[1],
			Utilization:       nums[0],
			MemoryUtilization: nums[1],
			MemoryUsed:        nums[2],
			MemoryTotal:       nums[3],
		})
	}
	return stats, nil
}
