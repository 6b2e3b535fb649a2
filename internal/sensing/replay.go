package sensing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

const maxReplayLine = 4 << 20

// record is one line of a recorded sensing session.
type record struct {
	Type        string          `json:"type"`
	Timestamp   int64           `json:"timestamp"`
	Pulse       []Rate          `json:"pulse"`
	Breathing   []Rate          `json:"breathing"`
	Talking     []bool          `json:"talking"`
	Landmarks   []types.Point2D `json:"landmarks"`
	Code        int             `json:"code"`
	Description string          `json:"description"`
}

// Replay reads recorded sensing output, one JSON object per line:
//
//	{"type":"core","timestamp":1000,"pulse":[{"value":72,"confidence":0.9}],"breathing":[...],"talking":[false]}
//	{"type":"edge","timestamp":1033,"landmarks":[{"x":1,"y":2}, ...]}
//	{"type":"status","timestamp":0,"code":0,"description":"ok"}
//
// Blank lines are ignored. Malformed lines and unknown types are logged
// and skipped.
type Replay struct {
	r    io.Reader
	pace bool
	log  *logger.Scope

	// Skipped counts lines that could not be turned into events.
	Skipped int
}

// NewReplay creates a replay source. With pace set, events are spaced by
// the difference between their recorded timestamps.
func NewReplay(r io.Reader, pace bool) *Replay {
	return &Replay{r: r, pace: pace, log: logger.For("Replay")}
}

// Run sends every recorded event to out. It does not close out.
func (rp *Replay) Run(ctx context.Context, out chan<- Event) error {
	sc := bufio.NewScanner(rp.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	var (
		lineNo int
		lastTS int64
		haveTS bool
	)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		ev, ts, err := parseRecord(line)
		if err != nil {
			rp.Skipped++
			rp.log.Warn("Skipping line %d: %v", lineNo, err)
			continue
		}

		if rp.pace && ts > 0 {
			if haveTS && ts > lastTS {
				if err := sleepCtx(ctx, time.Duration(ts-lastTS)*time.Microsecond); err != nil {
					return err
				}
			}
			lastTS, haveTS = ts, true
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read replay at line %d: %w", lineNo+1, err)
	}
	return nil
}

func parseRecord(line []byte) (Event, int64, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, 0, fmt.Errorf("invalid JSON: %w", err)
	}
	switch rec.Type {
	case "core":
		return Event{Core: &CoreMetrics{
			Timestamp: rec.Timestamp,
			Pulse:     rec.Pulse,
			Breathing: rec.Breathing,
			Talking:   rec.Talking,
		}}, rec.Timestamp, nil
	case "edge":
		return Event{Edge: &EdgeMetrics{
			Timestamp: rec.Timestamp,
			Landmarks: rec.Landmarks,
		}}, rec.Timestamp, nil
	case "status":
		return Event{Status: &StatusChange{
			Timestamp:   rec.Timestamp,
			Code:        rec.Code,
			Description: rec.Description,
		}}, rec.Timestamp, nil
	case "":
		return Event{}, 0, fmt.Errorf("missing type")
	}
	return Event{}, 0, fmt.Errorf("unknown type %q", rec.Type)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
