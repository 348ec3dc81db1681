package transfer

import (
	"testing"
	"time"
)

func TestTransferLifecycle(t *testing.T) {
	tr := New("alice", "song.mp3", 1000, DirectionUpload)
	if tr.Status() != StatusQueued {
		t.Fatalf("initial status = %v, want queued", tr.Status())
	}

	tr.SetStatus(StatusTransferring)
	tr.AddBytes(500)
	if tr.BytesTransferred() != 500 {
		t.Fatalf("bytes transferred = %d, want 500", tr.BytesTransferred())
	}

	tr.SetStatus(StatusCompleted)
	if tr.Status() != StatusCompleted {
		t.Fatalf("status = %v, want completed", tr.Status())
	}
}

func TestTransferFailRecordsReason(t *testing.T) {
	tr := New("bob", "x.flac", 1, DirectionDownload)
	tr.Fail("Peer unreachable (firewall)")

	if tr.Status() != StatusFailed {
		t.Fatalf("status = %v, want failed", tr.Status())
	}
	if tr.Error() != "Peer unreachable (firewall)" {
		t.Fatalf("error = %q", tr.Error())
	}
}

func TestSpeedTrackerComputesRateAfterWindow(t *testing.T) {
	st := NewSpeedTracker(10 * time.Millisecond)
	st.Observe(100)
	time.Sleep(15 * time.Millisecond)
	st.Observe(0) // forces the window to roll even with no new bytes

	if st.Rate() <= 0 {
		t.Fatalf("rate = %v, want > 0", st.Rate())
	}
}

func TestSpeedTrackerZeroBeforeWindowElapses(t *testing.T) {
	st := NewSpeedTracker(time.Hour)
	st.Observe(100)
	if st.Rate() != 0 {
		t.Fatalf("rate = %v, want 0 before first window elapses", st.Rate())
	}
}
