// Package snowflake generates and inspects the 64-bit time-sortable ids used as primary keys.
//
// Layout, most significant bit first:
//
//	timestamp (42 bits, ms since 2015-01-01 UTC) | worker (5) | process (5) | increment (12)
//
// When the increment overflows inside one millisecond the generator blocks until the next
// millisecond instead of reusing increments.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	// EpochMillis is 2015-01-01T00:00:00Z in unix milliseconds
	EpochMillis int64 = 1420070400000

	workerBits    = 5
	processBits   = 5
	incrementBits = 12

	maxWorker    = 1<<workerBits - 1
	maxProcess   = 1<<processBits - 1
	maxIncrement = 1<<incrementBits - 1

	processShift   = incrementBits
	workerShift    = incrementBits + processBits
	timestampShift = incrementBits + processBits + workerBits

	minLength = 16
	maxLength = 20
)

// ErrInvalidID is returned when a string is not a decodable snowflake
var ErrInvalidID = errors.New("invalid snowflake")

func init() {
	snowflake.Epoch = EpochMillis
	snowflake.NodeBits = workerBits + processBits
	snowflake.StepBits = incrementBits
}

// Parts is a decoded snowflake
type Parts struct {
	Timestamp time.Time
	WorkerID  int64
	ProcessID int64
	Increment int64
}

// Generator produces ids for one (worker, process) pair. It is safe for concurrent use.
type Generator struct {
	node      *snowflake.Node
	workerID  int64
	processID int64
}

// NewGenerator creates a generator for the given worker and process ids (0..31 each)
func NewGenerator(workerID, processID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorker {
		return nil, fmt.Errorf("worker id %d out of range 0..%d", workerID, maxWorker)
	}
	if processID < 0 || processID > maxProcess {
		return nil, fmt.Errorf("process id %d out of range 0..%d", processID, maxProcess)
	}

	node, err := snowflake.NewNode(workerID<<processBits | processID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &Generator{
		node:      node,
		workerID:  workerID,
		processID: processID,
	}, nil
}

// Generate returns a new id as a decimal string
func (g *Generator) Generate() string {
	return g.node.Generate().String()
}

// Deconstruct splits an id into its fields
func Deconstruct(id string) (Parts, error) {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return Parts{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	v := parsed.Int64()
	if v < 0 {
		return Parts{}, fmt.Errorf("%w: %q is negative", ErrInvalidID, id)
	}

	return Parts{
		Timestamp: time.UnixMilli((v >> timestampShift) + EpochMillis).UTC(),
		WorkerID:  (v >> workerShift) & maxWorker,
		ProcessID: (v >> processShift) & maxProcess,
		Increment: v & maxIncrement,
	}, nil
}

// IsValid reports whether id is a well-formed snowflake whose timestamp lies between the epoch
// and now. A positive maxAge additionally rejects ids older than that.
func IsValid(id string, maxAge time.Duration) bool {
	return isValidAt(id, maxAge, time.Now())
}

func isValidAt(id string, maxAge time.Duration, now time.Time) bool {
	if len(id) < minLength || len(id) > maxLength {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return false
	}

	parts, err := Deconstruct(id)
	if err != nil {
		return false
	}
	if parts.Timestamp.UnixMilli() < EpochMillis || parts.Timestamp.After(now) {
		return false
	}
	if maxAge > 0 && now.Sub(parts.Timestamp) > maxAge {
		return false
	}
	return true
}

// FromTime builds the smallest id for a timestamp, useful as a pagination bound
func FromTime(t time.Time) string {
	ms := t.UnixMilli() - EpochMillis
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<timestampShift, 10)
}
