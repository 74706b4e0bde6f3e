package stats

import (
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-netstack/netstack/pkg/arp"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/queue"
	"github.com/go-netstack/netstack/pkg/tcp"
)

type fakeConns struct {
	snap []tcp.ConnStats
}

func (f *fakeConns) Snapshot() []tcp.ConnStats { return f.snap }

func collectAll(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	done := make(chan struct{})
	var out []prometheus.Metric
	go func() {
		for m := range ch {
			out = append(out, m)
		}
		close(done)
	}()
	c.Collect(ch)
	close(ch)
	<-done
	return out
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatal(err)
	}
	switch {
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	default:
		t.Fatal("metric has neither gauge nor counter value")
		return 0
	}
}

func TestDescribeListsAllFixedDescsAndTaggedConnFields(t *testing.T) {
	c := New(&fakeConns{}, arp.NewCache(), func() int { return 0 }, func() []*netif.Interface { return nil })
	ch := make(chan *prometheus.Desc, 64)
	go func() {
		c.Describe(ch)
		close(ch)
	}()
	var descs []*prometheus.Desc
	for d := range ch {
		descs = append(descs, d)
	}
	// 4 fixed descriptors plus one per tcpi-tagged, non-"none" ConnStats field.
	wantTagged := 0
	for _, tf := range c.fields {
		if tf.promType != "none" {
			wantTagged++
		}
	}
	if len(descs) != 4+wantTagged {
		t.Fatalf("Describe emitted %d descriptors, want %d", len(descs), 4+wantTagged)
	}
}

func TestCollectReportsArpCacheLen(t *testing.T) {
	cache := arp.NewCache()
	cache.Insert([4]byte{10, 0, 0, 5}, netif.HWAddr{1, 2, 3, 4, 5, 6}, &netif.Interface{})

	c := New(&fakeConns{}, cache, func() int { return 0 }, func() []*netif.Interface { return nil })
	metrics := collectAll(t, c)

	var found bool
	for _, m := range metrics {
		if m.Desc() == arpEntriesDesc {
			found = true
			if v := metricValue(t, m); v != 1 {
				t.Fatalf("arp cache entries metric = %v, want 1", v)
			}
		}
	}
	if !found {
		t.Fatal("arp cache entries metric not emitted")
	}
}

func TestCollectReportsFragmentOccupancy(t *testing.T) {
	c := New(&fakeConns{}, arp.NewCache(), func() int { return 3 }, func() []*netif.Interface { return nil })
	metrics := collectAll(t, c)

	for _, m := range metrics {
		if m.Desc() == fragDesc {
			if v := metricValue(t, m); v != 3 {
				t.Fatalf("fragment occupancy metric = %v, want 3", v)
			}
			return
		}
	}
	t.Fatal("fragment occupancy metric not emitted")
}

func TestCollectReportsNicQueueDepths(t *testing.T) {
	nif := &netif.Interface{
		Name:  "eth0",
		RecvQ: queue.New[*pktbuf.Buffer](8),
		SendQ: queue.New[*pktbuf.Buffer](8),
	}
	buf, err := pktbuf.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}
	nif.RecvQ.Send(buf, -1)

	c := New(&fakeConns{}, arp.NewCache(), func() int { return 0 }, func() []*netif.Interface { return []*netif.Interface{nif} })
	metrics := collectAll(t, c)

	var sawRecv, sawSend bool
	for _, m := range metrics {
		if m.Desc() == nicRecvQDesc {
			sawRecv = true
			if v := metricValue(t, m); v != 1 {
				t.Fatalf("recv queue depth = %v, want 1", v)
			}
		}
		if m.Desc() == nicSendQDesc {
			sawSend = true
			if v := metricValue(t, m); v != 0 {
				t.Fatalf("send queue depth = %v, want 0", v)
			}
		}
	}
	if !sawRecv || !sawSend {
		t.Fatal("nic queue depth metrics not fully emitted")
	}
}

func TestCollectReportsTaggedConnFields(t *testing.T) {
	conns := &fakeConns{snap: []tcp.ConnStats{
		{
			LocalAddr: "10.0.0.1:2000", RemoteAddr: "10.0.0.2:80", State: "ESTABLISHED",
			SendUNA: 100, SendNXT: 150, RecvNXT: 200, SendQueued: 10, RecvQueued: 20,
		},
	}}
	c := New(conns, arp.NewCache(), func() int { return 0 }, func() []*netif.Interface { return nil })
	metrics := collectAll(t, c)

	found := map[string]float64{}
	for _, m := range metrics {
		desc := m.Desc().String()
		for _, name := range []string{"snd_una", "snd_nxt", "rcv_nxt", "snd_queued", "rcv_queued"} {
			if strings.Contains(desc, name) {
				found[name] = metricValue(t, m)
			}
		}
	}
	want := map[string]float64{"snd_una": 100, "snd_nxt": 150, "rcv_nxt": 200, "snd_queued": 10, "rcv_queued": 20}
	for name, wantVal := range want {
		gotVal, ok := found[name]
		if !ok {
			t.Fatalf("metric for %s not emitted", name)
		}
		if gotVal != wantVal {
			t.Fatalf("%s = %v, want %v", name, gotVal, wantVal)
		}
	}
}
