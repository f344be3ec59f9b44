package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/image/draw"

	"github.com/rs/zerolog"

	"github.com/SlyRix/FotoBox-sub000/internal/config"
	"github.com/SlyRix/FotoBox-sub000/internal/logger"
	"github.com/SlyRix/FotoBox-sub000/internal/upload"
)

var (
	// ErrCaptureInProgress is returned when a capture is already in flight;
	// callers are rejected, never queued.
	ErrCaptureInProgress = errors.New("capture already in progress")

	// ErrNoCaptureCommand is returned when no capture command is configured
	ErrNoCaptureCommand = errors.New("no capture command configured")
)

const outputPlaceholder = "{output}"

// StreamStatus reports whether any viewer is actively streaming preview
type StreamStatus interface {
	HasStreaming() bool
}

// Enqueuer hands completed photos to the upload queue
type Enqueuer interface {
	Enqueue(photoPath, thumbnailPath string, meta upload.Metadata) (*upload.EnqueueResult, error)
	PhotoURL(photoID string) string
}

// CaptureResult describes a completed one-shot capture
type CaptureResult struct {
	PhotoID       string    `json:"photoId"`
	Filename      string    `json:"filename"`
	PhotoPath     string    `json:"photoPath"`
	ThumbnailPath string    `json:"thumbnailPath,omitempty"`
	QRPath        string    `json:"qrPath,omitempty"`
	URL           string    `json:"url"`
	Timestamp     time.Time `json:"timestamp"`
	Queued        bool      `json:"queued"`
}

// Coordinator is the single-flight gate for one-shot photo capture. The
// device cannot serve live frames and a one-shot capture simultaneously, so
// an active preview is stopped for the duration and restarted after a short
// stabilization delay. Concurrent capture requests fail immediately with
// ErrCaptureInProgress.
type Coordinator struct {
	cfg     config.CameraConfig
	storage config.StorageConfig
	log     *zerolog.Logger

	supervisor *Supervisor
	streams    StreamStatus
	queue      Enqueuer

	inFlight atomic.Bool

	// resumeMu guards the preview-resume timer scheduled after a capture
	// that paused an active preview. A capture starting inside the
	// stabilization window cancels the timer and inherits the resume.
	resumeMu      sync.Mutex
	resumeTimer   *time.Timer
	resumePending bool
}

// NewCoordinator creates a capture coordinator
func NewCoordinator(cfg config.CameraConfig, storage config.StorageConfig, sup *Supervisor, streams StreamStatus, queue Enqueuer) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		storage:    storage,
		log:        logger.WithComponent("coordinator"),
		supervisor: sup,
		streams:    streams,
		queue:      queue,
	}
}

// CapturePhoto takes a single photo. Exactly one capture may be in flight
// process-wide; preview is suspended while the device is busy and resumed on
// every exit path.
func (c *Coordinator) CapturePhoto(ctx context.Context) (*CaptureResult, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCaptureInProgress
	}

	wasActive := false
	defer func() {
		c.inFlight.Store(false)
		if wasActive {
			c.scheduleResume()
		}
	}()

	if len(c.cfg.CaptureCommand) == 0 {
		return nil, ErrNoCaptureCommand
	}

	// A capture beginning inside the previous capture's stabilization
	// window takes over the still-pending resume; the device must not
	// stream while this capture runs.
	wasActive = c.takePendingResume()
	if c.streams != nil && c.streams.HasStreaming() {
		wasActive = true
	}
	if wasActive {
		c.log.Info().Msg("Pausing preview for capture")
		c.supervisor.Stop()
	}

	now := time.Now()
	photoID := "photo_" + strconv.FormatInt(now.UnixMilli(), 10)
	filename := photoID + ".jpg"
	photoPath := filepath.Join(c.storage.PhotoDir, filename)

	if err := os.MkdirAll(c.storage.PhotoDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}

	if err := c.runCapture(ctx, photoPath); err != nil {
		return nil, err
	}

	result := &CaptureResult{
		PhotoID:   photoID,
		Filename:  filename,
		PhotoPath: photoPath,
		URL:       c.queue.PhotoURL(photoID),
		Timestamp: now,
	}

	// Thumbnail and QR artifacts are best-effort; the photo itself is the
	// deliverable.
	thumbPath, err := c.makeThumbnail(photoPath, photoID)
	if err != nil {
		c.log.Warn().Err(err).Msg("Thumbnail generation failed")
	} else {
		result.ThumbnailPath = thumbPath
	}

	qrPath, err := c.writeQRCode(photoID, result.URL)
	if err != nil {
		c.log.Warn().Err(err).Msg("QR code generation failed")
	} else {
		result.QRPath = qrPath
	}

	enq, err := c.queue.Enqueue(photoPath, result.ThumbnailPath, upload.Metadata{
		PhotoID:  photoID,
		Filename: filename,
		TakenAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue photo upload: %w", err)
	}
	result.Queued = enq.Queued

	c.log.Info().
		Str("photo_id", photoID).
		Bool("queued", enq.Queued).
		Msg("Photo captured")
	return result, nil
}

// takePendingResume cancels a scheduled preview resume and reports whether
// one was pending; the caller inherits the obligation to resume
func (c *Coordinator) takePendingResume() bool {
	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	pending := c.resumePending
	c.resumePending = false
	return pending
}

// scheduleResume restarts the preview after the stabilization delay. The
// callback refuses to touch the supervisor while a capture is in flight;
// that capture has taken over the resume via takePendingResume.
func (c *Coordinator) scheduleResume() {
	delay := c.cfg.StabilizationDelay
	c.log.Info().Dur("delay", delay).Msg("Scheduling preview resume")

	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
	}
	c.resumePending = true
	c.resumeTimer = time.AfterFunc(delay, func() {
		c.resumeMu.Lock()
		if c.inFlight.Load() || !c.resumePending {
			c.resumeMu.Unlock()
			return
		}
		c.resumePending = false
		c.resumeTimer = nil
		c.resumeMu.Unlock()

		if err := c.supervisor.Start(); err != nil {
			c.log.Error().Err(err).Msg("Preview resume failed")
		}
	})
}

// runCapture invokes the primary capture command, falling back to the
// configured alternate mechanism on failure
func (c *Coordinator) runCapture(ctx context.Context, outputPath string) error {
	err := c.runCaptureCommand(ctx, c.cfg.CaptureCommand, outputPath)
	if err == nil {
		return nil
	}

	if len(c.cfg.FallbackCommand) == 0 {
		return fmt.Errorf("capture failed: %w", err)
	}

	c.log.Warn().Err(err).Msg("Primary capture failed, trying fallback")
	if fbErr := c.runCaptureCommand(ctx, c.cfg.FallbackCommand, outputPath); fbErr != nil {
		return fmt.Errorf("capture failed (primary: %v): %w", err, fbErr)
	}
	return nil
}

func (c *Coordinator) runCaptureCommand(ctx context.Context, argv []string, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CaptureTimeout)
	defer cancel()

	expanded := make([]string, len(argv))
	for i, arg := range argv {
		expanded[i] = strings.ReplaceAll(arg, outputPlaceholder, outputPath)
	}

	cmd := exec.CommandContext(ctx, expanded[0], expanded[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w (stderr: %s)", expanded[0], err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("%s produced no output file: %w", expanded[0], err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s produced an empty file", expanded[0])
	}
	return nil
}

// makeThumbnail scales the captured photo down to the configured width
func (c *Coordinator) makeThumbnail(photoPath, photoID string) (string, error) {
	f, err := os.Open(photoPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	src, err := jpeg.Decode(f)
	if err != nil {
		return "", fmt.Errorf("failed to decode photo: %w", err)
	}

	bounds := src.Bounds()
	width := c.cfg.ThumbnailWidth
	if width <= 0 || bounds.Dx() <= width {
		// Photo is already small enough
		return "", nil
	}
	height := bounds.Dy() * width / bounds.Dx()

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	thumbPath := filepath.Join(c.storage.PhotoDir, photoID+"_thumb.jpg")
	out, err := os.Create(thumbPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return thumbPath, nil
}

// writeQRCode renders the retrieval URL as a scannable PNG
func (c *Coordinator) writeQRCode(photoID, url string) (string, error) {
	if err := os.MkdirAll(c.storage.QRDir, 0755); err != nil {
		return "", err
	}
	qrPath := filepath.Join(c.storage.QRDir, photoID+".png")
	if err := qrcode.WriteFile(url, qrcode.Medium, 300, qrPath); err != nil {
		return "", err
	}
	return qrPath, nil
}
