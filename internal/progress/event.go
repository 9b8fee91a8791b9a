package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCycleStart  Stage = "CYCLE_START"
	StageCycleDone   Stage = "CYCLE_DONE"
	StageSourceStart Stage = "SOURCE_START"
	StagePageDone    Stage = "PAGE_DONE"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageCircuit     Stage = "CIRCUIT"
)

// Outcome labels how a single fetched item ended up.
type Outcome string

// Item outcomes counted per page.
const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Outcomes lists every Outcome in report order.
var Outcomes = []Outcome{OutcomeNew, OutcomeDuplicate, OutcomeDegraded, OutcomeSkipped, OutcomeFailed}

// Counts tallies items for a page or a whole source run.
type Counts struct {
	Fetched   int64 `json:"fetched"`
	New       int64 `json:"new"`
	Duplicate int64 `json:"duplicate"`
	Degraded  int64 `json:"degraded"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Of returns the count for one outcome.
func (c Counts) Of(o Outcome) int64 {
	switch o {
	case OutcomeNew:
		return c.New
	case OutcomeDuplicate:
		return c.Duplicate
	case OutcomeDegraded:
		return c.Degraded
	case OutcomeSkipped:
		return c.Skipped
	case OutcomeFailed:
		return c.Failed
	}
	return 0
}

// Add records n items with outcome o.
func (c *Counts) Add(o Outcome, n int64) {
	switch o {
	case OutcomeNew:
		c.New += n
	case OutcomeDuplicate:
		c.Duplicate += n
	case OutcomeDegraded:
		c.Degraded += n
	case OutcomeSkipped:
		c.Skipped += n
	case OutcomeFailed:
		c.Failed += n
	}
}

// Merge adds other into c.
func (c *Counts) Merge(other Counts) {
	c.Fetched += other.Fetched
	for _, o := range Outcomes {
		c.Add(o, other.Of(o))
	}
}

// Event captures a single milestone of an ingestion cycle.
type Event struct {
	// CycleID is the 16-byte UUID of the cycle. Circuit events may be
	// emitted outside a cycle and leave it zero.
	CycleID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Source is the configured source instance name.
	Source string
	// Counts carries page tallies (PAGE_DONE) or run totals (SOURCE_DONE).
	Counts Counts
	// State is the circuit state for CIRCUIT events and the terminal cycle
	// state for CYCLE_DONE.
	State string
	Dur   time.Duration
	// Note holds low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone:
		if e.CycleID == [16]byte{} {
			return errors.New("cycle id is required")
		}
	case StageSourceStart, StagePageDone, StageSourceDone:
		if e.CycleID == [16]byte{} {
			return errors.New("cycle id is required")
		}
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageCircuit:
		if e.Source == "" || e.State == "" {
			return errors.New("circuit event requires source and state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseCycleID parses a UUID string into the Event form.
func ParseCycleID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse cycle id: %w", err)
	}
	return UUIDToBytes(id), nil
}
