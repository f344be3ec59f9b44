package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SlyRix/FotoBox-sub000/internal/config"
	"github.com/SlyRix/FotoBox-sub000/internal/logger"
)

var (
	// ErrPhotoMissing is returned by Enqueue when the photo file does not
	// exist; nothing is queued.
	ErrPhotoMissing = errors.New("photo file does not exist")
)

// EnqueueResult reports the outcome of handing a photo to the queue
type EnqueueResult struct {
	PhotoID string `json:"photoId"`
	URL     string `json:"url"`
	Queued  bool   `json:"queued"`
}

// ConnectivityState is the queue's view of the remote endpoint
type ConnectivityState struct {
	IsOnline    bool      `json:"isOnline"`
	LastChecked time.Time `json:"lastChecked"`
}

// Manager is the disk-persisted, retrying upload queue. Each pending photo
// is one JSON record on disk; records survive restarts and are retried until
// the remote endpoint accepts them or the retry budget runs out. A periodic
// probe tracks connectivity and a false-to-true transition drains the queue.
type Manager struct {
	cfg      config.UploadConfig
	queueDir string
	log      *zerolog.Logger

	client      *http.Client
	probeClient *http.Client

	mu          sync.Mutex
	pending     map[string]*PendingUpload
	online      bool
	lastChecked time.Time
	draining    bool
	retryTimer  *time.Timer

	probeKick chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates the queue manager and recovers persisted records from
// the queue directory. Records whose referenced files no longer exist are
// dropped during load.
func NewManager(cfg config.UploadConfig, queueDir string) (*Manager, error) {
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	m := &Manager{
		cfg:         cfg,
		queueDir:    queueDir,
		log:         logger.WithComponent("upload-queue"),
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		probeClient: &http.Client{Timeout: cfg.ProbeTimeout},
		pending:     make(map[string]*PendingUpload),
		probeKick:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	if err := m.loadRecords(); err != nil {
		return nil, err
	}

	return m, nil
}

// Start launches the connectivity prober. The first probe runs immediately;
// if recovery left pending records, a drain follows.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.probeLoop()
}

// Stop shuts down the prober and cancels any scheduled drain
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()
}

// Enqueue validates the photo, persists a durable record and, when online,
// triggers an immediate drain. The returned URL is computed locally and is
// valid once the upload eventually lands.
func (m *Manager) Enqueue(photoPath, thumbnailPath string, meta Metadata) (*EnqueueResult, error) {
	if _, err := os.Stat(photoPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPhotoMissing, photoPath)
	}

	rec := &PendingUpload{
		PhotoID:       meta.PhotoID,
		PhotoPath:     photoPath,
		ThumbnailPath: thumbnailPath,
		Metadata:      meta,
		Timestamp:     time.Now(),
		Status:        statusPending,
		Retries:       0,
	}

	if err := writeRecord(m.queueDir, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pending[rec.PhotoID] = rec
	online := m.online
	m.mu.Unlock()

	m.log.Info().
		Str("photo_id", rec.PhotoID).
		Bool("online", online).
		Msg("Photo queued for upload")

	if online {
		go m.Drain()
	}

	return &EnqueueResult{
		PhotoID: rec.PhotoID,
		URL:     m.PhotoURL(rec.PhotoID),
		Queued:  !online,
	}, nil
}

// PhotoURL returns the deterministic retrieval URL for a photo id
func (m *Manager) PhotoURL(photoID string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + "/photo/" + photoID
}

// Connectivity returns the current probe result
func (m *Manager) Connectivity() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectivityState{IsOnline: m.online, LastChecked: m.lastChecked}
}

// Pending returns a snapshot of all pending records, ordered by enqueue time
func (m *Manager) Pending() []PendingUpload {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingUpload, 0, len(m.pending))
	for _, rec := range m.pending {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// PendingCount returns the number of records awaiting upload
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ProbeNow requests an out-of-cycle connectivity probe. OS-level network
// events should call this rather than flipping the online flag directly.
func (m *Manager) ProbeNow() {
	select {
	case m.probeKick <- struct{}{}:
	default:
	}
}

// probeLoop checks connectivity on a timer; the probe outcome is the only
// thing that sets the online flag
func (m *Manager) probeLoop() {
	defer m.wg.Done()

	m.checkConnectivity()
	if m.PendingCount() > 0 {
		// Startup recovery left work behind
		go m.Drain()
	}

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkConnectivity()
		case <-m.probeKick:
			m.checkConnectivity()
		}
	}
}

// checkConnectivity issues a short-timeout status request and records the
// outcome. A false-to-true transition triggers an immediate drain.
func (m *Manager) checkConnectivity() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.StatusEndpoint, nil)
	if err == nil {
		resp, err := m.probeClient.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < 400
		}
	}

	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.lastChecked = time.Now()
	hasPending := len(m.pending) > 0
	m.mu.Unlock()

	if online != wasOnline {
		m.log.Info().Bool("online", online).Msg("Connectivity changed")
	}

	if online && !wasOnline && hasPending {
		go m.Drain()
	}
}

// Drain makes one complete pass over the pending records. Overlapping passes
// are coalesced; one record's failure never blocks the others. If records
// remain after the pass, another drain is scheduled after the retry delay.
func (m *Manager) Drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.log.Debug().Int("records", len(ids)).Msg("Drain pass started")

	for _, id := range ids {
		m.mu.Lock()
		rec, ok := m.pending[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		snapshot := *rec
		m.mu.Unlock()

		if snapshot.Retries >= m.cfg.MaxRetries {
			m.remove(id)
			m.log.Error().
				Str("photo_id", id).
				Int("retries", snapshot.Retries).
				Str("last_error", snapshot.LastError).
				Msg("Upload permanently failed, dropping record")
			continue
		}

		if err := m.uploadOne(&snapshot); err != nil {
			m.mu.Lock()
			if rec, ok := m.pending[id]; ok {
				rec.Retries++
				rec.LastError = err.Error()
				rec.Status = statusPending
				if werr := writeRecord(m.queueDir, rec); werr != nil {
					m.log.Error().Err(werr).Str("photo_id", id).Msg("Failed to persist record update")
				}
			}
			m.mu.Unlock()
			m.log.Warn().Err(err).Str("photo_id", id).Msg("Upload attempt failed")
			continue
		}

		m.remove(id)
		m.log.Info().Str("photo_id", id).Msg("Photo uploaded")
	}

	m.mu.Lock()
	m.draining = false
	remaining := len(m.pending)
	if remaining > 0 {
		m.retryTimer = time.AfterFunc(m.cfg.RetryDelay, m.Drain)
	}
	m.mu.Unlock()

	m.log.Debug().Int("remaining", remaining).Msg("Drain pass finished")
}

// remove drops a record from memory and disk
func (m *Manager) remove(photoID string) {
	m.mu.Lock()
	delete(m.pending, photoID)
	m.mu.Unlock()

	if err := removeRecord(m.queueDir, photoID); err != nil {
		m.log.Error().Err(err).Str("photo_id", photoID).Msg("Failed to remove record file")
	}
}

// uploadOne performs the multipart upload for a single record
func (m *Manager) uploadOne(rec *PendingUpload) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := attachFile(writer, "photo", rec.PhotoPath); err != nil {
		return err
	}
	if rec.ThumbnailPath != "" {
		if err := attachFile(writer, "thumbnail", rec.ThumbnailPath); err != nil {
			// The thumbnail is optional; a lost file should not strand the photo
			m.log.Warn().Err(err).Str("photo_id", rec.PhotoID).Msg("Skipping missing thumbnail")
		}
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writer.WriteField("metadata", string(metaJSON)); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-API-Key", m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func attachFile(writer *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := writer.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return nil
}

// loadRecords recovers persisted records at startup, dropping any whose
// referenced photo file has gone missing
func (m *Manager) loadRecords() error {
	entries, err := os.ReadDir(m.queueDir)
	if err != nil {
		return fmt.Errorf("failed to read queue directory: %w", err)
	}

	loaded, dropped := 0, 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.queueDir, entry.Name())

		rec, err := readRecord(path)
		if err != nil {
			m.log.Warn().Err(err).Str("file", entry.Name()).Msg("Dropping unreadable record")
			_ = os.Remove(path)
			dropped++
			continue
		}

		if _, err := os.Stat(rec.PhotoPath); err != nil {
			m.log.Warn().Str("photo_id", rec.PhotoID).Msg("Dropping stale record, photo file missing")
			_ = os.Remove(path)
			dropped++
			continue
		}
		if rec.ThumbnailPath != "" {
			if _, err := os.Stat(rec.ThumbnailPath); err != nil {
				// Keep the record but forget the thumbnail
				rec.ThumbnailPath = ""
			}
		}

		rec.Status = statusPending
		m.pending[rec.PhotoID] = rec
		loaded++
	}

	if loaded > 0 || dropped > 0 {
		m.log.Info().Int("loaded", loaded).Int("dropped", dropped).Msg("Recovered upload queue")
	}
	return nil
}
