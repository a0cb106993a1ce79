package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"donationsync/internal/model"
)

// JsonlStorage appends events and decode errors to JSONL files.
type JsonlStorage struct {
	eventsPath string
	errorsPath string
	mu         sync.Mutex
}

// NewJsonlStorage writes events to eventsPath and decode errors to errorsPath.
// An empty path disables that stream.
func NewJsonlStorage(eventsPath, errorsPath string) *JsonlStorage {
	return &JsonlStorage{eventsPath: eventsPath, errorsPath: errorsPath}
}

// PutEvents appends a batch of decoded events as JSON lines.
func (s *JsonlStorage) PutEvents(ctx context.Context, events []model.DecodedEvent) error {
	items := make([]interface{}, 0, len(events))
	for _, ev := range events {
		items = append(items, ev)
	}
	return s.appendLines(s.eventsPath, items)
}

// PutDecodeErrors appends a batch of decode failures as JSON lines.
func (s *JsonlStorage) PutDecodeErrors(ctx context.Context, decodeErrs []model.DecodeError) error {
	items := make([]interface{}, 0, len(decodeErrs))
	for _, decodeErr := range decodeErrs {
		items = append(items, decodeErr)
	}
	return s.appendLines(s.errorsPath, items)
}

func (s *JsonlStorage) appendLines(path string, items []interface{}) error {
	if path == "" || len(items) == 0 {
		return nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
