package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"healbot/internal/domain"
)

type jsonlEntry struct {
	ID         int64     `json:"id"`
	ReportID   string    `json:"report_id"`
	Event      string    `json:"event"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JSONLMirror appends entries to a JSON-lines file for off-box shipping.
type JSONLMirror struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func NewJSONLMirror(path string) (*JSONLMirror, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &JSONLMirror{path: path, f: f}, nil
}

func (m *JSONLMirror) Append(_ context.Context, e domain.AuditEntry) error {
	data, err := json.Marshal(jsonlEntry{
		ID:         e.ID,
		ReportID:   e.ReportID,
		Event:      e.Event,
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		Detail:     e.Detail,
		Actor:      e.Actor,
		CreatedAt:  e.CreatedAt,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.f.Write(data)
	return err
}

// ReadReport scans the file for one report's entries.
func (m *JSONLMirror) ReadReport(reportID string) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	_ = m.f.Sync()
	m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []domain.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e jsonlEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.ReportID != reportID {
			continue
		}
		out = append(out, domain.AuditEntry{
			ID:         e.ID,
			ReportID:   e.ReportID,
			Event:      e.Event,
			FromStatus: domain.Status(e.FromStatus),
			ToStatus:   domain.Status(e.ToStatus),
			Detail:     e.Detail,
			Actor:      e.Actor,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out, sc.Err()
}

func (m *JSONLMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
