// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialect

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Error codes of TrainingStats.
const (
	StatusOK          = 0
	StatusOutOfMemory = 1
	StatusFailed      = 2
)

// TrainingStats summarizes a training log.
type TrainingStats struct {
	// ParamsPerGPU is the number of parameters held by one device.
	ParamsPerGPU float64

	// SamplesPerSec is the training throughput.
	SamplesPerSec float64

	// GPUMemory is the maximum allocated memory, in GB.
	GPUMemory float64

	// Breakdown of the average iteration time, in milliseconds.
	IterTime, ForwardTime, BackwardTime, AllReduceTime, OptimizerTime float64

	// ErrorCode is StatusOK, or the reason the run failed: StatusOutOfMemory or StatusFailed.
	ErrorCode int
}

// String implements fmt.Stringer.
func (s *TrainingStats) String() string {
	switch s.ErrorCode {
	case StatusOutOfMemory:
		return "out of device memory"
	case StatusFailed:
		return "failed"
	default:
	}
	return fmt.Sprintf("per device params %s, %.2f samples/s, %.2f GB; breakdown(ms): total %.2f, forward %.2f, "+
		"backward %.2f, backward-params-all-reduce %.2f, optimizer %.2f",
		humanize.SIWithDigits(s.ParamsPerGPU, 2, ""), s.SamplesPerSec, s.GPUMemory,
		s.IterTime, s.ForwardTime, s.BackwardTime, s.AllReduceTime, s.OptimizerTime)
}

// LogParser extracts TrainingStats from a training log.
type LogParser interface {
	Parse(r io.Reader) (*TrainingStats, error)
}

// ParseFile parses the log file with parser.
func ParseFile(parser LogParser, path string) (*TrainingStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening training log")
	}
	defer func() { _ = f.Close() }()
	stats, err := parser.Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing training log %q", path)
	}
	return stats, nil
}

// MegatronLogParser parses logs of Megatron-LM training runs.
//
// Megatron reports, every 5 iterations, the average time of the last 5 iterations. The first report is
// taken as warm-up and dropped.
type MegatronLogParser struct{}

var _ LogParser = MegatronLogParser{}

// Keys reported by Megatron, followed by ": " and a value.
const (
	keyIterTime  = "elapsed time per iteration (ms)"
	keyForward   = "forward-compute"
	keyBackward  = "backward-compute"
	keyAllReduce = "backward-params-all-reduce"
	keyOptimizer = "optimizer"
	keyParams    = "parameters on (tensor, pipeline) model parallel rank (0, 0)"
	keyBatchSize = "global batch size"
	keyMemory    = "max allocated"
)

var megatronRegexps = func() map[string]*regexp.Regexp {
	regexps := make(map[string]*regexp.Regexp)
	for _, key := range []string{keyIterTime, keyForward, keyBackward, keyAllReduce, keyOptimizer, keyParams,
		keyBatchSize, keyMemory} {
		regexps[key] = regexp.MustCompile(regexp.QuoteMeta(key) + `: +([\d\.]+)`)
	}
	return regexps
}()

// megatronQuery returns all the values reported for key, in order.
func megatronQuery(text, key string) []float64 {
	var values []float64
	for _, match := range megatronRegexps[key].FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.TrimRight(match[1], "."), 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

func megatronLast(text, key string) float64 {
	values := megatronQuery(text, key)
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

// averageTime over the reports after the first one.
func averageTime(values []float64, steps int) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values[1:] {
		sum += v
	}
	return sum * 5 / float64(steps)
}

// Parse implements LogParser. Failed runs are reported by TrainingStats.ErrorCode, not as an error.
func (MegatronLogParser) Parse(r io.Reader) (*TrainingStats, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading Megatron log")
	}
	text := string(data)
	if strings.Contains(text, "CUDA out of memory") {
		klog.Warningf("Megatron run out of device memory, try a smaller batch size")
		return &TrainingStats{ErrorCode: StatusOutOfMemory}, nil
	}
	iterTimes := megatronQuery(text, keyIterTime)
	if len(iterTimes) < 2 {
		klog.Warningf("Megatron run failed: %d iteration time reports found", len(iterTimes))
		return &TrainingStats{ErrorCode: StatusFailed}, nil
	}
	steps := 5 * (len(iterTimes) - 1)
	stats := &TrainingStats{
		IterTime:      averageTime(iterTimes, steps),
		ForwardTime:   averageTime(megatronQuery(text, keyForward), steps),
		BackwardTime:  averageTime(megatronQuery(text, keyBackward), steps),
		AllReduceTime: averageTime(megatronQuery(text, keyAllReduce), steps),
		OptimizerTime: averageTime(megatronQuery(text, keyOptimizer), steps),
		ParamsPerGPU:  megatronLast(text, keyParams),
		GPUMemory:     megatronLast(text, keyMemory) / 1e3,
	}
	if stats.IterTime > 0 {
		stats.SamplesPerSec = megatronLast(text, keyBatchSize) / stats.IterTime * 1e3
	}
	if klog.V(1).Enabled() {
		klog.Infof("Megatron log: %s", stats)
	}
	return stats, nil
}
