// Package snowflake issues 63-bit time-ordered ids for conversations:
// 41 bits of milliseconds since Epoch, 10 bits of worker id, 12 bits of sequence.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

// Epoch is 2024-01-01T00:00:00Z in milliseconds.
const Epoch int64 = 1704067200000

const (
	workerBits   = 10
	sequenceBits = 12

	MaxWorkerID  = 1<<workerBits - 1
	sequenceMask = 1<<sequenceBits - 1
	workerShift  = sequenceBits
	timeShift    = sequenceBits + workerBits

	// maxBackwardDrift is how far the clock may step back before NextID gives up
	// instead of waiting it out.
	maxBackwardDrift = 50 * time.Millisecond
)

var (
	ErrInvalidWorkerID     = errors.New("snowflake: worker id out of range")
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")
)

type Generator struct {
	mu       sync.Mutex
	workerID int64
	now      func() time.Time
	lastMs   int64
	sequence int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	return newGenerator(workerID, time.Now)
}

func newGenerator(workerID int64, now func() time.Time) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{workerID: workerID, now: now}, nil
}

// NextID returns an id strictly greater than every id this generator returned before.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		if time.Duration(g.lastMs-ms)*time.Millisecond > maxBackwardDrift {
			return 0, ErrClockMovedBackwards
		}
		ms = g.waitUntil(g.lastMs)
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			ms = g.waitUntil(g.lastMs + 1)
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return (ms-Epoch)<<timeShift | g.workerID<<workerShift | g.sequence, nil
}

func (g *Generator) waitUntil(ms int64) int64 {
	for {
		now := g.now().UnixMilli()
		if now >= ms {
			return now
		}
		time.Sleep(time.Duration(ms-now) * time.Millisecond)
	}
}

// Parts is the decoded form of an id.
type Parts struct {
	Time     time.Time
	WorkerID int64
	Sequence int64
}

func Parse(id int64) Parts {
	return Parts{
		Time:     time.UnixMilli(id>>timeShift + Epoch).UTC(),
		WorkerID: id >> workerShift & MaxWorkerID,
		Sequence: id & sequenceMask,
	}
}
