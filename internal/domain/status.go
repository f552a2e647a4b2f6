package domain

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state shared by builds, runs, tests, and test
// results. It is stored as an integer and serialized as its upper-case name.
type Status int

const (
	StatusQueued Status = iota + 1
	StatusRunning
	StatusPassed
	StatusFailed
	StatusRunningWithFailures
	StatusUploading
	StatusPromoted
	StatusSkipped
	StatusCancelling
)

var statusNames = map[Status]string{
	StatusQueued:              "QUEUED",
	StatusRunning:             "RUNNING",
	StatusPassed:              "PASSED",
	StatusFailed:              "FAILED",
	StatusRunningWithFailures: "RUNNING_WITH_FAILURES",
	StatusUploading:           "UPLOADING",
	StatusPromoted:            "PROMOTED",
	StatusSkipped:             "SKIPPED",
	StatusCancelling:          "CANCELLING",
}

var statusValues = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for s, name := range statusNames {
		m[name] = s
	}
	return m
}()

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus resolves an upper-case status name.
func ParseStatus(name string) (Status, error) {
	if s, ok := statusValues[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown status: %q", name)
}

// Terminal reports whether the status is final: no further transitions
// happen and the run's artifacts are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusPromoted, StatusSkipped:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown status: %d", int(s))
	}
	return json.Marshal(name)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CumulativeStatus folds child statuses into a parent status. It is the
// single aggregation rule for build status from runs and for test status
// from results. The rules apply in order, first match wins:
//
//  1. only PASSED, FAILED, and SKIPPED children: FAILED if any child
//     failed, else PASSED
//  2. any RUNNING, UPLOADING, or CANCELLING child: RUNNING_WITH_FAILURES
//     when a FAILED or CANCELLING child is present, else RUNNING
//  3. QUEUED alongside FAILED: RUNNING_WITH_FAILURES
//  4. QUEUED alongside PASSED: RUNNING
//  5. otherwise QUEUED
func CumulativeStatus(children []Status) Status {
	states := make(map[Status]bool, len(children))
	for _, s := range children {
		states[s] = true
	}

	settled := len(states) > 0
	for s := range states {
		if s != StatusPassed && s != StatusFailed && s != StatusSkipped {
			settled = false
			break
		}
	}

	switch {
	case settled:
		if states[StatusFailed] {
			return StatusFailed
		}
		return StatusPassed
	case states[StatusRunning] || states[StatusUploading] || states[StatusCancelling]:
		if states[StatusFailed] || states[StatusCancelling] {
			return StatusRunningWithFailures
		}
		return StatusRunning
	case states[StatusQueued] && states[StatusFailed]:
		return StatusRunningWithFailures
	case states[StatusQueued] && states[StatusPassed]:
		return StatusRunning
	default:
		return StatusQueued
	}
}
