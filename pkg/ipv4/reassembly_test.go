package ipv4

import (
	"bytes"
	"testing"

	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/timer"
)

func fragOf(t *testing.T, srcIP [4]byte, id uint16, offset int, mf bool, data []byte) (Header, *pktbuf.Buffer) {
	t.Helper()
	buf, err := pktbuf.Alloc(len(data))
	if err != nil {
		t.Fatal(err)
	}
	buf.AccReset()
	if err := buf.Write(data, len(data)); err != nil {
		t.Fatal(err)
	}
	h := Header{SrcIP: srcIP, ID: id, FragOffset: offset, MF: mf}
	return h, buf
}

// TestReassemblyInOrder exercises scenario 5: three fragments arriving
// in order reassemble into the original payload.
func TestReassemblyInOrder(t *testing.T) {
	wheel := timer.New()
	ft := newFragTable(wheel)

	src := [4]byte{10, 0, 0, 1}
	whole := make([]byte, 300)
	for i := range whole {
		whole[i] = byte(i)
	}

	h0, b0 := fragOf(t, src, 1, 0, true, whole[0:100])
	h1, b1 := fragOf(t, src, 1, 100, true, whole[100:200])
	h2, b2 := fragOf(t, src, 1, 200, false, whole[200:300])

	if complete, err := ft.insert(h0, b0); err != nil || complete != nil {
		t.Fatalf("first fragment: complete=%v err=%v, want incomplete", complete, err)
	}
	if complete, err := ft.insert(h1, b1); err != nil || complete != nil {
		t.Fatalf("second fragment: complete=%v err=%v, want incomplete", complete, err)
	}
	complete, err := ft.insert(h2, b2)
	if err != nil {
		t.Fatal(err)
	}
	if complete == nil {
		t.Fatal("expected reassembly to complete after the final fragment")
	}
	defer complete.Free()

	if complete.TotalSize() != len(whole) {
		t.Fatalf("reassembled size = %d, want %d", complete.TotalSize(), len(whole))
	}
	complete.AccReset()
	got := make([]byte, len(whole))
	if err := complete.Read(got, len(got)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, whole) {
		t.Fatalf("reassembled payload mismatch")
	}
}

// TestReassemblyOutOfOrder checks that fragments arriving out of order
// still reassemble correctly once all three are present.
func TestReassemblyOutOfOrder(t *testing.T) {
	wheel := timer.New()
	ft := newFragTable(wheel)

	src := [4]byte{10, 0, 0, 1}
	whole := make([]byte, 30)
	for i := range whole {
		whole[i] = byte(200 + i)
	}

	h2, b2 := fragOf(t, src, 2, 20, false, whole[20:30])
	h0, b0 := fragOf(t, src, 2, 0, true, whole[0:10])
	h1, b1 := fragOf(t, src, 2, 10, true, whole[10:20])

	ft.insert(h2, b2)
	ft.insert(h0, b0)
	complete, err := ft.insert(h1, b1)
	if err != nil {
		t.Fatal(err)
	}
	if complete == nil {
		t.Fatal("expected reassembly to complete")
	}
	defer complete.Free()
	complete.AccReset()
	got := make([]byte, len(whole))
	if err := complete.Read(got, len(got)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, whole) {
		t.Fatalf("out-of-order reassembled payload mismatch")
	}
}

func TestReassemblyWatchdogDiscardsIncomplete(t *testing.T) {
	wheel := timer.New()
	ft := newFragTable(wheel)

	src := [4]byte{10, 0, 0, 1}
	h0, b0 := fragOf(t, src, 3, 0, true, []byte{1, 2, 3, 4})
	if complete, err := ft.insert(h0, b0); err != nil || complete != nil {
		t.Fatalf("unexpected completion on single fragment")
	}
	if ft.Occupied() != 1 {
		t.Fatalf("Occupied() = %d, want 1 in-progress reassembly", ft.Occupied())
	}

	if err := wheel.CheckTimeout(fragWatchdog); err != nil {
		t.Fatal(err)
	}
	if ft.Occupied() != 0 {
		t.Fatalf("Occupied() = %d after watchdog fires, want 0", ft.Occupied())
	}
}
