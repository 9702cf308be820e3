// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import "testing"

func TestWatch_EnableToggle(t *testing.T) {
	w := NewWatch(3, WatchReadable, false)
	if w.Enabled() {
		t.Fatal("want disabled initially")
	}
	w.SetEnabled(true)
	if !w.Enabled() {
		t.Fatal("want enabled")
	}
}

func TestWatch_FireRespectsFlagsAndEnabled(t *testing.T) {
	var fired WatchFlags
	w := NewWatch(3, WatchReadable, true)
	w.SetHandler(func(w *Watch, flags WatchFlags) bool {
		fired = flags
		return true
	})

	// Unrelated readiness (writable) is ignored.
	w.Fire(WatchWritable)
	if fired != 0 {
		t.Fatalf("fired=%v, want 0", fired)
	}

	w.Fire(WatchReadable)
	if fired != WatchReadable {
		t.Fatalf("fired=%v, want readable", fired)
	}

	w.SetEnabled(false)
	fired = 0
	w.Fire(WatchReadable)
	if fired != 0 {
		t.Fatal("disabled watch must not fire")
	}
}

func TestWatch_InvalidateClearsFDAndHandler(t *testing.T) {
	calls := 0
	w := NewWatch(5, WatchReadable, true)
	w.SetHandler(func(*Watch, WatchFlags) bool { calls++; return true })
	w.Invalidate()

	if w.FD() != -1 {
		t.Fatalf("fd=%d, want -1 after invalidate", w.FD())
	}
	if w.Valid() {
		t.Fatal("want invalid")
	}
	w.Fire(WatchReadable)
	if calls != 0 {
		t.Fatal("invalidated watch must not fire")
	}
}

func TestWatch_Refcount(t *testing.T) {
	w := NewWatch(3, WatchReadable, true)
	w.Ref()
	if n := w.Unref(); n != 1 {
		t.Fatalf("unref=%d, want 1 (one ref remaining)", n)
	}
	if n := w.Unref(); n != 0 {
		t.Fatalf("unref=%d, want 0", n)
	}
}
