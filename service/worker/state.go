package worker

import (
	"github.com/montanaflynn/stats"
	"strconv"
)

// State is the position of a worker in its protocol loop.
type State int

const (
	Disconnected State = iota
	Connecting
	Idle
	Requesting
	Processing
	Submitting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Idle:
		return "IDLE"
	case Requesting:
		return "REQUESTING"
	case Processing:
		return "PROCESSING"
	case Submitting:
		return "SUBMITTING"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Stats counts what a worker did since it was created.
type Stats struct {
	Requested uint64
	Processed uint64
	Failed    uint64
	Submitted uint64
	// Rejected counts frames that were not valid assignments.
	Rejected uint64
}

// Timing summarizes the evaluation time of the last processed chunks, in seconds.
type Timing struct {
	Count  int
	Mean   float64
	Median float64
	P95    float64
}

// maxTimings bounds the number of durations kept for Timing.
const maxTimings = 1024

func summarize(durations []float64) (Timing, error) {
	t := Timing{Count: len(durations)}
	if t.Count == 0 {
		return t, nil
	}
	data := stats.Float64Data(durations)
	var err error
	if t.Mean, err = data.Mean(); err != nil {
		return t, err
	}
	if t.Median, err = data.Median(); err != nil {
		return t, err
	}
	if t.P95, err = data.Percentile(95); err != nil {
		return t, err
	}
	return t, nil
}
