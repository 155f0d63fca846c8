package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/perpcore/pkg/events"
)

// Journal appends every published event to a file, one JSON object per
// line, so a node keeps an audit trail without a broker.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{f: f}, nil
}

type journalLine struct {
	Topic events.Topic `json:"topic"`
	events.Event
}

func (j *Journal) Publish(_ context.Context, ev events.Event) error {
	line, err := json.Marshal(journalLine{Topic: ev.Topic, Event: ev})
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}

var _ events.Publisher = (*Journal)(nil)
