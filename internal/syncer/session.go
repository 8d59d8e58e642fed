package syncer

import (
	"sync"
	"time"

	"flippio/internal/contextkey"
	"flippio/internal/diff"
	"flippio/internal/fsutil"
	"flippio/internal/history"
)

// WorkingCopy is a pulled database file being edited locally. It is owned
// by the Coordinator that pulled it until released.
type WorkingCopy struct {
	Device     history.DeviceContext `json:"device"`
	Key        contextkey.Key        `json:"contextKey"`
	LocalPath  string                `json:"localPath"`
	RemotePath string                `json:"remotePath,omitempty"`
	SessionID  string                `json:"sessionId"`
	PulledAt   time.Time             `json:"pulledAt"`

	lock *fsutil.Lock

	mu       sync.Mutex
	pending  int
	released bool
}

// Pending returns the number of edits not yet pushed back to the device.
func (w *WorkingCopy) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Released reports whether the working copy has been released.
func (w *WorkingCopy) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

// Desktop reports whether the file is edited in place.
func (w *WorkingCopy) Desktop() bool {
	return w.Device.DeviceType.IsDesktop()
}

// Base returns the attributes shared by every event recorded against this
// working copy.
func (w *WorkingCopy) Base() diff.Base {
	b := diff.Base{
		ContextKey:   w.Key.String(),
		DatabasePath: w.Device.DatabasePath,
		Device:       w.Device,
		SessionID:    w.SessionID,
	}
	if !w.Desktop() {
		pulled := w.PulledAt
		b.OriginalRemotePath = w.RemotePath
		b.PullTimestamp = &pulled
	}
	return b
}

func (w *WorkingCopy) addPending(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending += n
	return w.pending
}

func (w *WorkingCopy) resetPending() {
	w.mu.Lock()
	w.pending = 0
	w.mu.Unlock()
}

// release marks the copy released and returns its pending count, or -1 if
// it was already released.
func (w *WorkingCopy) release() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return -1
	}
	w.released = true
	return w.pending
}
