package session

import (
	"encoding/json"
	"time"
)

// Key identifies one synchronized session.
type Key struct {
	UserID  string
	VideoID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.VideoID
}

// Record is the synchronized playback state for one (user, video) pair.
type Record struct {
	UserID        string    `json:"user_id"`
	VideoID       string    `json:"video_id"`
	CurrentTime   float64   `json:"current_time"`
	PlaybackSpeed float64   `json:"playback_speed"`
	Volume        float64   `json:"volume"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	// Dirty is process-local bookkeeping and never leaves the process.
	Dirty bool `json:"-"`
}

// Entry pairs a key with its record, as returned by Store.List.
type Entry struct {
	Key    Key
	Record Record
}

// NewRecord returns a fresh, clean record at version 0.
func NewRecord(key Key, now time.Time) Record {
	return Record{
		UserID:        key.UserID,
		VideoID:       key.VideoID,
		CurrentTime:   0,
		PlaybackSpeed: 1,
		Volume:        1,
		Version:       0,
		UpdatedAt:     now.UTC(),
	}
}

func (r Record) Key() Key {
	return Key{UserID: r.UserID, VideoID: r.VideoID}
}

// SameState reports whether two records carry identical domain state.
// Dirty is ignored.
func (r Record) SameState(o Record) bool {
	return r.UserID == o.UserID &&
		r.VideoID == o.VideoID &&
		r.CurrentTime == o.CurrentTime &&
		r.PlaybackSpeed == o.PlaybackSpeed &&
		r.Volume == o.Volume &&
		r.Version == o.Version &&
		r.UpdatedAt.Equal(o.UpdatedAt)
}

// Snapshot is the client-facing view of a record.
type Snapshot struct {
	CurrentTime   float64 `json:"current_time"`
	PlaybackSpeed float64 `json:"playback_speed"`
	Volume        float64 `json:"volume"`
	Version       int64   `json:"version"`
}

func (r Record) Snapshot() Snapshot {
	return Snapshot{
		CurrentTime:   r.CurrentTime,
		PlaybackSpeed: r.PlaybackSpeed,
		Volume:        r.Volume,
		Version:       r.Version,
	}
}

// Marshal serializes the domain fields of r for durable storage.
func Marshal(r Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", &SerializationError{Key: r.Key(), Err: err}
	}
	return string(b), nil
}

// Unmarshal decodes a stored snapshot. Snapshots written before speed and
// volume were tracked decode with both at 1. The result is always clean.
func Unmarshal(data string) (Record, error) {
	r := Record{PlaybackSpeed: 1, Volume: 1}
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return Record{}, &SerializationError{Err: err}
	}
	r.Dirty = false
	return r, nil
}
