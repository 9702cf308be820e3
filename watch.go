// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import "sync/atomic"

// WatchFlags is a bitmask of readiness conditions on a file descriptor.
type WatchFlags uint8

const (
	WatchReadable WatchFlags = 1 << iota
	WatchWritable
	WatchHangup
	WatchError
)

func (f WatchFlags) has(bit WatchFlags) bool { return f&bit != 0 }

// WatchHandler is invoked by the embedding event loop when a Watch's fd
// becomes ready for the flags it asked about. It returns false on an
// out-of-memory condition surfaced by the transport, matching the
// recoverable-OOM contract of the rest of this package.
type WatchHandler func(w *Watch, flags WatchFlags) bool

// Watch names one file descriptor and a desired readiness set. It does not
// own the fd: the transport that created it is the sole owner of the fd's
// lifetime. A Watch may be invalidated while still referenced by external
// holders (typically the embedding event loop); invalidation clears the fd
// and handler so that late callbacks on a since-closed fd are harmless.
type Watch struct {
	fd      int
	flags   WatchFlags
	enabled atomic.Bool
	valid   atomic.Bool
	handler WatchHandler
	refs    atomic.Int32
}

// NewWatch creates a watch on fd for the given readiness flags. The watch
// starts with one reference held by the caller.
func NewWatch(fd int, flags WatchFlags, enabled bool) *Watch {
	w := &Watch{fd: fd, flags: flags}
	w.enabled.Store(enabled)
	w.valid.Store(true)
	w.refs.Store(1)
	return w
}

// SetHandler installs the callback invoked on readiness. The transport that
// creates the watch calls this once, right after NewWatch.
func (w *Watch) SetHandler(h WatchHandler) { w.handler = h }

// FD returns the watched file descriptor, or -1 if the watch has been
// invalidated.
func (w *Watch) FD() int {
	if !w.valid.Load() {
		return -1
	}
	return w.fd
}

// Flags returns the watch's desired readiness set.
func (w *Watch) Flags() WatchFlags { return w.flags }

// Enabled reports whether the watch currently wants readiness
// notifications.
func (w *Watch) Enabled() bool { return w.enabled.Load() }

// SetEnabled toggles whether the watch wants readiness notifications. This
// is the sole mechanism by which a transport expresses "I do / do not
// currently want readiness on this fd for this direction" to the enclosing
// event loop; the event loop is expected to call SetEnabled only through the
// connection's toggle-watch callback, never directly.
func (w *Watch) SetEnabled(enabled bool) { w.enabled.Store(enabled) }

// Invalidate clears the fd and handler slots without freeing the object.
// External holders may still call Unref; Fire becomes a no-op after this.
func (w *Watch) Invalidate() {
	w.valid.Store(false)
	w.handler = nil
}

// Valid reports whether the watch has not yet been invalidated.
func (w *Watch) Valid() bool { return w.valid.Load() }

// Ref increments the watch's reference count.
func (w *Watch) Ref() *Watch {
	w.refs.Add(1)
	return w
}

// Unref decrements the watch's reference count. The watch carries no
// finalizer of its own — callers that need cleanup on last-unref (closing
// the fd, for instance) do so at the transport layer, since the transport,
// not the Watch, owns the fd.
func (w *Watch) Unref() int32 { return w.refs.Add(-1) }

// Fire invokes the watch's handler with the observed readiness flags,
// restricted to the flags this watch actually asked about. It is a no-op on
// an invalidated or disabled watch.
func (w *Watch) Fire(observed WatchFlags) bool {
	if !w.valid.Load() || !w.enabled.Load() || w.handler == nil {
		return true
	}
	relevant := observed & (w.flags | WatchHangup | WatchError)
	if relevant == 0 {
		return true
	}
	return w.handler(w, relevant)
}
