package memstore

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/arborq/eventhandler/internal/eventstore"
)

// journal persists the append log as snappy-framed JSONL (one event per
// line, matching the replay bundle's events.jsonl.sz convention) and every
// durable subscription's cursor as a small zstd-compressed snapshot file,
// rewritten wholesale on every ack.
type journal struct {
	mu         sync.Mutex
	dir        string
	eventFile  *os.File
	eventWrite *snappy.Writer
	cursorPath string
}

const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

type eventRecord struct {
	EventID        string            `json:"event_id"`
	StreamID       string            `json:"stream_id"`
	Type           string            `json:"type"`
	GlobalPosition uint64            `json:"global_position"`
	StreamVersion  uint64            `json:"stream_version"`
	DataB64        string            `json:"data_b64"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

func openJournal(dir string) (*journal, []eventstore.RecordedEvent, map[string]uint64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, err
	}

	eventsPath := filepath.Join(dir, "events.jsonl.sz")
	events, err := loadEvents(eventsPath)
	if err != nil {
		return nil, nil, nil, err
	}

	cursorPath := filepath.Join(dir, "cursors.json.zst")
	cursors, err := loadCursors(cursorPath)
	if err != nil {
		return nil, nil, nil, err
	}

	eventFile, err := os.OpenFile(eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	j := &journal{
		dir:        dir,
		eventFile:  eventFile,
		eventWrite: snappy.NewBufferedWriter(eventFile),
		cursorPath: cursorPath,
	}
	return j, events, cursors, nil
}

func loadEvents(path string) ([]eventstore.RecordedEvent, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := snappy.NewReader(f)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []eventstore.RecordedEvent
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec eventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("memstore: decode journal line: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(rec.DataB64)
		if err != nil {
			return nil, fmt.Errorf("memstore: decode journal payload: %w", err)
		}
		var createdAt time.Time
		if rec.CreatedAt != "" {
			createdAt, err = time.Parse(createdAtLayout, rec.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("memstore: decode journal timestamp: %w", err)
			}
		}
		events = append(events, eventstore.RecordedEvent{
			EventID:        rec.EventID,
			StreamID:       rec.StreamID,
			Type:           rec.Type,
			GlobalPosition: rec.GlobalPosition,
			StreamVersion:  rec.StreamVersion,
			Data:           data,
			Metadata:       rec.Metadata,
			CreatedAt:      createdAt,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func loadCursors(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]uint64{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var cursors map[string]uint64
	if err := json.NewDecoder(decoder).Decode(&cursors); err != nil {
		return map[string]uint64{}, nil
	}
	return cursors, nil
}

// AppendEvent appends a single event to the snappy-framed JSONL log.
func (j *journal) AppendEvent(event eventstore.RecordedEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	//1.- Base64-encode the opaque payload so arbitrary binary data survives
	// one JSON line per event.
	rec := eventRecord{
		EventID:        event.EventID,
		StreamID:       event.StreamID,
		Type:           event.Type,
		GlobalPosition: event.GlobalPosition,
		StreamVersion:  event.StreamVersion,
		DataB64:        base64.StdEncoding.EncodeToString(event.Data),
		Metadata:       event.Metadata,
		CreatedAt:      event.CreatedAt.Format(createdAtLayout),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := j.eventWrite.Write(line); err != nil {
		return err
	}
	if _, err := j.eventWrite.Write([]byte("\n")); err != nil {
		return err
	}
	return j.eventWrite.Flush()
}

// SaveCursor rewrites the zstd-compressed cursor snapshot with durableName's
// new position. Cursor snapshots are small and infrequent, so a full
// read-modify-write is simpler than appending a change log.
func (j *journal) SaveCursor(durableName string, position uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cursors, err := loadCursors(j.cursorPath)
	if err != nil {
		return err
	}
	cursors[durableName] = position

	tmp := j.cursorPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := json.NewEncoder(encoder).Encode(cursors); err != nil {
		encoder.Close()
		f.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, j.cursorPath)
}

// Close flushes and releases the event log file handle.
func (j *journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	if err := j.eventWrite.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.eventWrite.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
