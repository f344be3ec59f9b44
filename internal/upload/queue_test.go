package upload

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SlyRix/FotoBox-sub000/internal/config"
)

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		Endpoint:       "http://127.0.0.1:1/api/upload",
		StatusEndpoint: "http://127.0.0.1:1/api/status",
		APIKey:         "test-key",
		BaseURL:        "https://fotobox.example.com",
		MaxRetries:     3,
		RetryDelay:     20 * time.Millisecond,
		ProbeInterval:  20 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
}

func writePhoto(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("jpegdata"), 0644); err != nil {
		t.Fatalf("Failed to write photo: %v", err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestManager_EnqueueOfflinePersistsRecord(t *testing.T) {
	queueDir := t.TempDir()
	photo := writePhoto(t, t.TempDir(), "photo_1.jpg")

	m, err := NewManager(testUploadConfig(), queueDir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	result, err := m.Enqueue(photo, "", Metadata{PhotoID: "photo_1", Filename: "photo_1.jpg", TakenAt: time.Now()})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if !result.Queued {
		t.Error("Expected a queued result while offline")
	}
	if result.URL != "https://fotobox.example.com/photo/photo_1" {
		t.Errorf("Unexpected retrieval URL: %s", result.URL)
	}

	data, err := os.ReadFile(filepath.Join(queueDir, "photo_1.json"))
	if err != nil {
		t.Fatalf("Record file missing: %v", err)
	}
	var rec PendingUpload
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Record file unreadable: %v", err)
	}
	if rec.Status != statusPending || rec.Retries != 0 {
		t.Errorf("Expected pending record with 0 retries, got status=%s retries=%d", rec.Status, rec.Retries)
	}
	if m.PendingCount() != 1 {
		t.Errorf("Expected 1 pending record, got %d", m.PendingCount())
	}
}

func TestManager_EnqueueMissingPhotoFails(t *testing.T) {
	queueDir := t.TempDir()
	m, err := NewManager(testUploadConfig(), queueDir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = m.Enqueue(filepath.Join(t.TempDir(), "nope.jpg"), "", Metadata{PhotoID: "nope"})
	if !errors.Is(err, ErrPhotoMissing) {
		t.Fatalf("Expected ErrPhotoMissing, got %v", err)
	}

	if m.PendingCount() != 0 {
		t.Error("Nothing should be queued for a missing photo")
	}
	entries, _ := os.ReadDir(queueDir)
	if len(entries) != 0 {
		t.Errorf("Expected no record files, found %d", len(entries))
	}
}

func TestManager_DrainUploadsAndRemovesRecord(t *testing.T) {
	var uploads atomic.Int32
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotKey.Store(r.Header.Get("X-API-Key"))
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Bad multipart body: %v", err)
		}
		if _, _, err := r.FormFile("photo"); err != nil {
			t.Errorf("Missing photo field: %v", err)
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
			t.Errorf("Bad metadata field: %v", err)
		} else if meta.PhotoID != "photo_2" {
			t.Errorf("Unexpected metadata photo id %q", meta.PhotoID)
		}
		uploads.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = srv.URL + "/api/upload"
	cfg.StatusEndpoint = srv.URL + "/api/status"

	queueDir := t.TempDir()
	photoDir := t.TempDir()
	photo := writePhoto(t, photoDir, "photo_2.jpg")
	thumb := writePhoto(t, photoDir, "photo_2_thumb.jpg")

	m, err := NewManager(cfg, queueDir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := m.Enqueue(photo, thumb, Metadata{PhotoID: "photo_2", Filename: "photo_2.jpg"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m.Drain()

	if got := uploads.Load(); got != 1 {
		t.Errorf("Expected 1 upload, got %d", got)
	}
	if key, _ := gotKey.Load().(string); key != "test-key" {
		t.Errorf("Expected X-API-Key header, got %q", key)
	}
	if m.PendingCount() != 0 {
		t.Errorf("Expected empty queue after drain, got %d", m.PendingCount())
	}
	if _, err := os.Stat(filepath.Join(queueDir, "photo_2.json")); !os.IsNotExist(err) {
		t.Error("Record file should be removed after successful upload")
	}
}

func TestManager_OnlineTransitionTriggersDrain(t *testing.T) {
	var online atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !online.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = srv.URL + "/api/upload"
	cfg.StatusEndpoint = srv.URL + "/api/status"

	photo := writePhoto(t, t.TempDir(), "photo_3.jpg")
	m, err := NewManager(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.Start()
	defer m.Stop()

	// Probe sees the endpoint down
	waitFor(t, time.Second, func() bool {
		c := m.Connectivity()
		return !c.LastChecked.IsZero() && !c.IsOnline
	}, "offline detection")

	result, err := m.Enqueue(photo, "", Metadata{PhotoID: "photo_3", Filename: "photo_3.jpg"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !result.Queued {
		t.Error("Expected queued result while offline")
	}

	// Connectivity recovers; the next probe drains the queue
	online.Store(true)
	waitFor(t, 2*time.Second, func() bool {
		return m.PendingCount() == 0
	}, "drain after connectivity recovery")
}

func TestManager_PermanentFailureDropsRecord(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/upload" {
			attempts.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = srv.URL + "/api/upload"
	cfg.StatusEndpoint = srv.URL + "/api/status"
	cfg.MaxRetries = 2

	queueDir := t.TempDir()
	photo := writePhoto(t, t.TempDir(), "photo_4.jpg")

	m, err := NewManager(cfg, queueDir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer func() {
		// Cancel any trailing retry timer
		m.mu.Lock()
		if m.retryTimer != nil {
			m.retryTimer.Stop()
		}
		m.mu.Unlock()
	}()

	if _, err := m.Enqueue(photo, "", Metadata{PhotoID: "photo_4", Filename: "photo_4.jpg"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m.Drain()

	// First pass failed; retries are persisted with the error
	rec, err := readRecord(filepath.Join(queueDir, "photo_4.json"))
	if err != nil {
		t.Fatalf("Record should survive a transient failure: %v", err)
	}
	if rec.Retries < 1 || rec.LastError == "" {
		t.Errorf("Expected at least one persisted retry with lastError, got retries=%d lastError=%q", rec.Retries, rec.LastError)
	}

	// Scheduled drains exhaust the budget and drop the record
	waitFor(t, 2*time.Second, func() bool {
		return m.PendingCount() == 0
	}, "permanent failure drop")

	if _, err := os.Stat(filepath.Join(queueDir, "photo_4.json")); !os.IsNotExist(err) {
		t.Error("Record file should be removed after permanent failure")
	}
	if got := attempts.Load(); got != int32(cfg.MaxRetries) {
		t.Errorf("Expected exactly %d upload attempts, got %d", cfg.MaxRetries, got)
	}
}

func TestManager_StartupRecovery(t *testing.T) {
	queueDir := t.TempDir()
	photoDir := t.TempDir()

	photo := writePhoto(t, photoDir, "photo_5.jpg")

	// One valid record, one whose photo file has gone missing
	valid := &PendingUpload{
		PhotoID:   "photo_5",
		PhotoPath: photo,
		Metadata:  Metadata{PhotoID: "photo_5", Filename: "photo_5.jpg"},
		Timestamp: time.Now(),
		Status:    statusPending,
		Retries:   2,
	}
	if err := writeRecord(queueDir, valid); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}
	stale := &PendingUpload{
		PhotoID:   "photo_6",
		PhotoPath: filepath.Join(photoDir, "gone.jpg"),
		Timestamp: time.Now(),
		Status:    statusPending,
	}
	if err := writeRecord(queueDir, stale); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	m, err := NewManager(testUploadConfig(), queueDir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if m.PendingCount() != 1 {
		t.Fatalf("Expected 1 recovered record, got %d", m.PendingCount())
	}
	pending := m.Pending()
	if pending[0].PhotoID != "photo_5" || pending[0].Retries != 2 {
		t.Errorf("Recovered record mismatch: %+v", pending[0])
	}
	if _, err := os.Stat(filepath.Join(queueDir, "photo_6.json")); !os.IsNotExist(err) {
		t.Error("Stale record file should be deleted during load")
	}
}
