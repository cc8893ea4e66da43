package types

import "time"

// Frame represents a single decoded camera frame with metadata
type Frame struct {
	Data      []byte    // JPEG data as received from the camera
	Timestamp time.Time // Frame capture timestamp
	FrameNum  uint64    // Sequential frame number
	Width     int       // Frame width (0 if unknown)
	Height    int       // Frame height (0 if unknown)
}

// HasDims reports whether the frame dimensions are known.
func (f *Frame) HasDims() bool {
	return f != nil && f.Width > 0 && f.Height > 0
}

// Area returns the frame area in pixels, or 0 if the dimensions are unknown.
func (f *Frame) Area() float64 {
	if !f.HasDims() {
		return 0
	}
	return float64(f.Width) * float64(f.Height)
}

// StreamStatus is the health of the capture/inference chain reported to live clients
type StreamStatus string

const (
	StatusInitializing StreamStatus = "INITIALIZING"
	StatusModelSync    StreamStatus = "MODEL_SYNC"
	StatusConnected    StreamStatus = "CONNECTED"
	StatusUplinkStall  StreamStatus = "UPLINK_STALL"
	StatusOffline      StreamStatus = "OFFLINE"
)
