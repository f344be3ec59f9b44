package upload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata travels with the photo to the remote server as a JSON form field
type Metadata struct {
	PhotoID  string    `json:"photoId"`
	Filename string    `json:"filename"`
	TakenAt  time.Time `json:"takenAt"`
}

// PendingUpload is one durable queue record. Its presence on disk is the
// sole source of truth for "not yet uploaded".
type PendingUpload struct {
	PhotoID       string    `json:"photoId"`
	PhotoPath     string    `json:"photoPath"`
	ThumbnailPath string    `json:"thumbnailPath,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
	Retries       int       `json:"retries"`
	LastError     string    `json:"lastError,omitempty"`
}

const statusPending = "pending"

// recordPath returns the on-disk location of a record, one file per photo id
func recordPath(queueDir, photoID string) string {
	return filepath.Join(queueDir, photoID+".json")
}

// writeRecord persists a record to disk
func writeRecord(queueDir string, rec *PendingUpload) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal upload record: %w", err)
	}
	if err := os.WriteFile(recordPath(queueDir, rec.PhotoID), data, 0644); err != nil {
		return fmt.Errorf("failed to write upload record: %w", err)
	}
	return nil
}

// readRecord loads a record from disk
func readRecord(path string) (*PendingUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec PendingUpload
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse upload record %s: %w", path, err)
	}
	return &rec, nil
}

// removeRecord deletes a record file; a missing file is not an error
func removeRecord(queueDir, photoID string) error {
	err := os.Remove(recordPath(queueDir, photoID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
