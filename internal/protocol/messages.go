package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/treefix50/playsync/internal/media"
	"github.com/treefix50/playsync/internal/session"
)

// Client message discriminators.
const (
	TypeUpdatePlaybackPosition = "UpdatePlaybackPosition"
	TypeUpdatePlaybackSpeed    = "UpdatePlaybackSpeed"
	TypeUpdateVolume           = "UpdateVolume"
	TypeSyncState              = "SyncState"
)

// Server message discriminators.
const (
	TypeVideoMetadata = "VideoMetadata"
	TypeStateSync     = "StateSync"
)

// ClientMessage is one of UpdatePlaybackPosition, UpdatePlaybackSpeed,
// UpdateVolume or SyncState.
type ClientMessage interface {
	Type() string
	// apply mutates r if the message wins against it and reports whether it did.
	apply(r *session.Record, now time.Time) bool
}

type UpdatePlaybackPosition struct {
	CurrentTime float64
	Version     int64
}

type UpdatePlaybackSpeed struct {
	PlaybackSpeed float64
	Version       int64
}

type UpdateVolume struct {
	Volume  float64
	Version int64
}

// SyncState replaces the whole record regardless of version.
type SyncState struct {
	CurrentTime   float64
	PlaybackSpeed float64
	Volume        float64
	Version       int64
}

func (UpdatePlaybackPosition) Type() string { return TypeUpdatePlaybackPosition }
func (UpdatePlaybackSpeed) Type() string    { return TypeUpdatePlaybackSpeed }
func (UpdateVolume) Type() string           { return TypeUpdateVolume }
func (SyncState) Type() string              { return TypeSyncState }

func touch(r *session.Record, version int64, now time.Time) {
	r.Version = version
	r.UpdatedAt = now.UTC()
	r.Dirty = true
}

func (m UpdatePlaybackPosition) apply(r *session.Record, now time.Time) bool {
	if m.Version < r.Version {
		return false
	}
	r.CurrentTime = m.CurrentTime
	touch(r, m.Version, now)
	return true
}

func (m UpdatePlaybackSpeed) apply(r *session.Record, now time.Time) bool {
	if m.Version < r.Version {
		return false
	}
	r.PlaybackSpeed = m.PlaybackSpeed
	touch(r, m.Version, now)
	return true
}

func (m UpdateVolume) apply(r *session.Record, now time.Time) bool {
	if m.Version < r.Version {
		return false
	}
	r.Volume = m.Volume
	touch(r, m.Version, now)
	return true
}

func (m SyncState) apply(r *session.Record, now time.Time) bool {
	r.CurrentTime = m.CurrentTime
	r.PlaybackSpeed = m.PlaybackSpeed
	r.Volume = m.Volume
	touch(r, m.Version, now)
	return true
}

// ParseError is returned by Decode for a frame that is not a valid client
// message. Only that frame is dropped.
type ParseError struct {
	Type   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "protocol: parse"
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// wire mirrors every client field as a pointer so absent and zero differ.
type wire struct {
	Type          string   `json:"type"`
	CurrentTime   *float64 `json:"current_time"`
	PlaybackSpeed *float64 `json:"playback_speed"`
	Volume        *float64 `json:"volume"`
	Version       *int64   `json:"version"`
}

func required(typ string, fields map[string]bool) error {
	for _, name := range []string{"current_time", "playback_speed", "volume", "version"} {
		if present, wanted := fields[name]; wanted && !present {
			return &ParseError{Type: typ, Reason: fmt.Sprintf("missing field %q", name)}
		}
	}
	return nil
}

// checkRange rejects positions before the start and non-positive speeds.
// Volume is left to the client.
func checkRange(typ string, currentTime, playbackSpeed *float64) error {
	if currentTime != nil && *currentTime < 0 {
		return &ParseError{Type: typ, Reason: fmt.Sprintf("current_time %v is negative", *currentTime)}
	}
	if playbackSpeed != nil && *playbackSpeed <= 0 {
		return &ParseError{Type: typ, Reason: fmt.Sprintf("playback_speed %v is not positive", *playbackSpeed)}
	}
	return nil
}

// Decode parses one text frame into a ClientMessage. Frames carrying a
// negative current_time or a playback_speed <= 0 are rejected.
func Decode(data []byte) (ClientMessage, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}

	switch w.Type {
	case TypeUpdatePlaybackPosition:
		if err := required(w.Type, map[string]bool{"current_time": w.CurrentTime != nil, "version": w.Version != nil}); err != nil {
			return nil, err
		}
		if err := checkRange(w.Type, w.CurrentTime, nil); err != nil {
			return nil, err
		}
		return UpdatePlaybackPosition{CurrentTime: *w.CurrentTime, Version: *w.Version}, nil
	case TypeUpdatePlaybackSpeed:
		if err := required(w.Type, map[string]bool{"playback_speed": w.PlaybackSpeed != nil, "version": w.Version != nil}); err != nil {
			return nil, err
		}
		if err := checkRange(w.Type, nil, w.PlaybackSpeed); err != nil {
			return nil, err
		}
		return UpdatePlaybackSpeed{PlaybackSpeed: *w.PlaybackSpeed, Version: *w.Version}, nil
	case TypeUpdateVolume:
		if err := required(w.Type, map[string]bool{"volume": w.Volume != nil, "version": w.Version != nil}); err != nil {
			return nil, err
		}
		return UpdateVolume{Volume: *w.Volume, Version: *w.Version}, nil
	case TypeSyncState:
		if err := required(w.Type, map[string]bool{
			"current_time":   w.CurrentTime != nil,
			"playback_speed": w.PlaybackSpeed != nil,
			"volume":         w.Volume != nil,
			"version":        w.Version != nil,
		}); err != nil {
			return nil, err
		}
		if err := checkRange(w.Type, w.CurrentTime, w.PlaybackSpeed); err != nil {
			return nil, err
		}
		return SyncState{
			CurrentTime:   *w.CurrentTime,
			PlaybackSpeed: *w.PlaybackSpeed,
			Volume:        *w.Volume,
			Version:       *w.Version,
		}, nil
	case "":
		return nil, &ParseError{Reason: "missing type"}
	default:
		return nil, &ParseError{Type: w.Type, Reason: "unknown message type"}
	}
}

// VideoMetadata is sent once per connection, before the first StateSync.
type VideoMetadata struct {
	Type            string   `json:"type"`
	VideoID         string   `json:"video_id"`
	Width           *int64   `json:"width"`
	Height          *int64   `json:"height"`
	DurationSeconds *float64 `json:"duration_seconds"`
}

func NewVideoMetadata(v media.Video) VideoMetadata {
	return VideoMetadata{
		Type:            TypeVideoMetadata,
		VideoID:         v.ID,
		Width:           v.Width,
		Height:          v.Height,
		DurationSeconds: v.DurationSeconds,
	}
}

// StateSync carries the client-facing snapshot of a session.
type StateSync struct {
	Type    string           `json:"type"`
	Session session.Snapshot `json:"session"`
}

func NewStateSync(r session.Record) StateSync {
	return StateSync{Type: TypeStateSync, Session: r.Snapshot()}
}
