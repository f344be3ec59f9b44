package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/SlyRix/FotoBox-sub000/internal/camera"
)

// Server-to-client message types
const (
	typeInfo          = "info"
	typePong          = "pong"
	typePreviewStatus = "previewStatus"
	typePreviewFrame  = "previewFrame"
)

// PreviewStatus values relayed on supervisor state transitions
const (
	StatusStarting = "starting"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusError    = "error"
)

// Command is the closed set of client requests. Incoming messages are
// decoded once at the protocol boundary; everything past that point works
// with this enum.
type Command int

const (
	CmdUnknown Command = iota
	CmdStartPreview
	CmdStopPreview
	CmdPing
)

type clientEnvelope struct {
	Type string `json:"type"`
}

// DecodeCommand parses a client message into a Command
func DecodeCommand(data []byte) (Command, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return CmdUnknown, fmt.Errorf("malformed message: %w", err)
	}
	switch env.Type {
	case "startPreview":
		return CmdStartPreview, nil
	case "stopPreview":
		return CmdStopPreview, nil
	case "ping":
		return CmdPing, nil
	default:
		return CmdUnknown, fmt.Errorf("unknown message type %q", env.Type)
	}
}

type infoMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type previewStatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type previewFrameMessage struct {
	Type      string `json:"type"`
	ImageData string `json:"imageData"`
	Timestamp int64  `json:"timestamp"`
}

func encodeInfo(msg string) []byte {
	b, _ := json.Marshal(infoMessage{Type: typeInfo, Message: msg})
	return b
}

func encodePong() []byte {
	b, _ := json.Marshal(pongMessage{Type: typePong})
	return b
}

func encodePreviewStatus(status, msg string) []byte {
	b, _ := json.Marshal(previewStatusMessage{Type: typePreviewStatus, Status: status, Message: msg})
	return b
}

func encodePreviewFrame(f camera.Frame) []byte {
	b, _ := json.Marshal(previewFrameMessage{
		Type:      typePreviewFrame,
		ImageData: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.Data),
		Timestamp: f.Timestamp.UnixMilli(),
	})
	return b
}

// StatusForState maps a supervisor state to the wire status vocabulary
func StatusForState(st camera.State) (status, message string) {
	switch st {
	case camera.StateStarting:
		return StatusStarting, "camera starting"
	case camera.StateStreaming:
		return StatusActive, "preview active"
	case camera.StateIdle:
		return StatusPaused, "preview paused"
	case camera.StateCoolingDown:
		return StatusError, "camera error, retrying"
	case camera.StateFailed:
		return StatusError, "camera unavailable"
	default:
		return StatusError, string(st)
	}
}
