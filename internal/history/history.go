package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/pkg/errors"
)

// Record is one successfully generated artifact.
type Record struct {
	BatchID     string    `json:"batch_id"`
	JobID       string    `json:"job_id"`
	DisplayName string    `json:"display_name,omitempty"`
	URL         string    `json:"url"`
	LocalPath   string    `json:"local_path,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	Time        time.Time `json:"time"`
}

// Store persists records as a JSON array in a single file.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns all records, oldest first. A missing file is an empty history.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out []Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "parse history %s", s.path)
	}
	return out, nil
}

// Append adds rec and rewrites the file atomically.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records = append(records, rec)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create history directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write history")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace history")
}

// Observer records every successful outcome of one batch. names maps job IDs
// to display names and may be nil.
func (s *Store) Observer(batchID string, names map[string]string, onErr func(error)) jobs.Observer {
	return jobs.Funcs{
		Terminal: func(jobID string, o jobs.Outcome) {
			if !o.Success {
				return
			}
			err := s.Append(Record{
				BatchID:     batchID,
				JobID:       jobID,
				DisplayName: names[jobID],
				URL:         o.Result[jobs.ResultURL],
				LocalPath:   o.Result[jobs.ResultLocalPath],
				Warning:     o.Result[jobs.ResultWarning],
				Time:        time.Now().UTC(),
			})
			if err != nil && onErr != nil {
				onErr(err)
			}
		},
	}
}
