// Package stats implements a prometheus.Collector over the running
// stack's own tables: per-connection TCP sequence/buffer state, ARP
// cache occupancy, the IPv4 fragment-reassembly table, and per-NIC
// queue depth. It is grounded on pkg/exporter/exporter.go's
// Describe/Collect shape, reworked from "one connection per fd,
// polling GetTCPInfo(2)" to "ask each subsystem's own snapshot
// method" since this module owns the wire state instead of observing
// a kernel socket. The `tcpi:"..."` struct-tag convention that file's
// codegen (cmd/prom-metrics-gen) builds from is read here at collect
// time via reflection instead of ahead-of-time AST generation, since
// this package has a fixed, small field set that doesn't warrant a
// build-time generator.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-netstack/netstack/pkg/arp"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/tcp"
)

// ConnSource is satisfied by tcp.Engine: enough to enumerate and
// snapshot every live connection without pkg/stats importing the
// engine's internal map.
type ConnSource interface {
	Snapshot() []tcp.ConnStats
}

// Collector is a prometheus.Collector over one running stack.
type Collector struct {
	conns     ConnSource
	arpCache  *arp.Cache
	fragStats func() (occupied int)
	nics      func() []*netif.Interface

	mu     sync.Mutex
	fields []tagField
}

type tagField struct {
	name, help, promType, fieldName string
}

func parseTags(t reflect.Type) []tagField {
	var fields []tagField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("tcpi")
		if !ok {
			continue
		}
		tf := tagField{fieldName: f.Name}
		for _, part := range strings.Split(tag, ",") {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "name":
				tf.name = kv[1]
			case "prom_help":
				tf.help = kv[1]
			case "prom_type":
				tf.promType = kv[1]
			}
		}
		fields = append(fields, tf)
	}
	return fields
}

// New returns a Collector over the given connection source, ARP
// cache, fragment-table occupancy probe, and interface lister.
func New(conns ConnSource, arpCache *arp.Cache, fragOccupied func() int, nics func() []*netif.Interface) *Collector {
	return &Collector{
		conns:     conns,
		arpCache:  arpCache,
		fragStats: fragOccupied,
		nics:      nics,
		fields:    parseTags(reflect.TypeOf(tcp.ConnStats{})),
	}
}

var (
	arpEntriesDesc = prometheus.NewDesc("netstack_arp_cache_entries", "Number of entries currently held in the ARP cache.", nil, nil)
	fragDesc       = prometheus.NewDesc("netstack_ipv4_reassembly_pending", "Number of in-progress IPv4 fragment reassemblies.", nil, nil)
	nicRecvQDesc   = prometheus.NewDesc("netstack_nic_recv_queue_depth", "Number of frames currently queued for an interface's receive side.", []string{"interface"}, nil)
	nicSendQDesc   = prometheus.NewDesc("netstack_nic_send_queue_depth", "Number of frames currently queued for an interface's send side.", []string{"interface"}, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- arpEntriesDesc
	descs <- fragDesc
	descs <- nicRecvQDesc
	descs <- nicSendQDesc
	for _, tf := range c.fields {
		if tf.promType == "none" {
			continue
		}
		descs <- prometheus.NewDesc("netstack_tcp_conn_"+tf.name, tf.help, []string{"local_addr", "remote_addr", "state"}, nil)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.arpCache != nil {
		metrics <- prometheus.MustNewConstMetric(arpEntriesDesc, prometheus.GaugeValue, float64(c.arpCache.Len()))
	}
	if c.fragStats != nil {
		metrics <- prometheus.MustNewConstMetric(fragDesc, prometheus.GaugeValue, float64(c.fragStats()))
	}
	if c.nics != nil {
		for _, nif := range c.nics() {
			metrics <- prometheus.MustNewConstMetric(nicRecvQDesc, prometheus.GaugeValue, float64(nif.RecvQ.Len()), nif.Name)
			metrics <- prometheus.MustNewConstMetric(nicSendQDesc, prometheus.GaugeValue, float64(nif.SendQ.Len()), nif.Name)
		}
	}

	if c.conns == nil {
		return
	}
	for _, cs := range c.conns.Snapshot() {
		v := reflect.ValueOf(cs)
		for _, tf := range c.fields {
			if tf.promType == "none" {
				continue
			}
			val, ok := numericValue(v.FieldByName(tf.fieldName))
			if !ok {
				continue
			}
			kind := prometheus.GaugeValue
			if tf.promType == "counter" {
				kind = prometheus.CounterValue
			}
			metrics <- prometheus.MustNewConstMetric(
				prometheus.NewDesc("netstack_tcp_conn_"+tf.name, tf.help, []string{"local_addr", "remote_addr", "state"}, nil),
				kind, val, cs.LocalAddr, cs.RemoteAddr, cs.State,
			)
		}
	}
}

func numericValue(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.String:
		if n, err := strconv.ParseFloat(v.String(), 64); err == nil {
			return n, true
		}
		return 0, false
	default:
		return 0, false
	}
}
