package ethernet

import (
	"bytes"
	"testing"

	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/queue"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dest := netif.HWAddr{1, 2, 3, 4, 5, 6}
	src := netif.HWAddr{6, 5, 4, 3, 2, 1}

	buf, err := pktbuf.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Free()

	payload := bytes.Repeat([]byte{0xab}, 64)
	buf.AccReset()
	if err := buf.Write(payload, 64); err != nil {
		t.Fatal(err)
	}

	if err := EncodeHeader(buf, dest, src, EthertypeIPv4); err != nil {
		t.Fatal(err)
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.Dest != dest || h.Src != src || h.Ethertype != EthertypeIPv4 {
		t.Fatalf("decoded header mismatch: %+v", h)
	}

	if err := buf.HeaderRemove(HeaderLen); err != nil {
		t.Fatal(err)
	}
	if buf.TotalSize() != 64 {
		t.Fatalf("payload size after header pop = %d, want 64", buf.TotalSize())
	}
	buf.AccReset()
	got := make([]byte, 64)
	if err := buf.Read(got, 64); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted by header push/pop")
	}
}

func TestSendFramePadsToMinFrame(t *testing.T) {
	nif := &netif.Interface{
		Name:   "test0",
		HWAddr: netif.HWAddr{1, 1, 1, 1, 1, 1},
		SendQ:  queue.New[*pktbuf.Buffer](4),
	}
	buf, err := pktbuf.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if err := SendFrame(nif, netif.Broadcast, EthertypeARP, buf); err != nil {
		t.Fatal(err)
	}
	got, err := nif.SendQ.Recv(-1)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalSize() != MinFrame+HeaderLen {
		t.Fatalf("framed+padded size = %d, want %d", got.TotalSize(), MinFrame+HeaderLen)
	}
	got.Free()
}
