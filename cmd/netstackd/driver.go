package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/go-netstack/netstack/pkg/ethernet"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/netlog"
	"github.com/go-netstack/netstack/pkg/pktbuf"
)

const frameBufSize = ethernet.MTU + ethernet.HeaderLen + 4 // +4 for a possible VLAN tag

// afPacketDriver is the one concrete netif.Driver this module ships:
// a packet-capture adapter over a Linux AF_PACKET/SOCK_RAW socket
// bound to a single host NIC. It is an integration fixture, not a
// portable driver — its job is to prove netif.Driver/LinkLayer wiring
// against a real interface, the way spec.md §4.F's capture adapter
// is meant to be exercised.
//
// The raw socket is opened with the unix package (net has no
// AF_PACKET support) and then handed to net.FileConn so it behaves
// like any other net.Conn for Close/SetDeadline; github.com/higebu/
// netfd.GetFdFromConn recovers the underlying fd from that net.Conn
// for the raw unix.Recvfrom/unix.Write calls on the bound socket,
// exactly the "pull the fd back out of a net.Conn" pattern the
// teacher uses to read a kernel TCP_INFO off an http.Conn.
type afPacketDriver struct {
	mu      sync.Mutex
	conn    net.Conn
	fd      int
	ifindex int
	stop    chan struct{}
	wg      sync.WaitGroup
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

// Open binds a SOCK_RAW/ETH_P_ALL socket to the host interface named
// in cfg.Name, fills in nif.HWAddr from the kernel's view of it, and
// starts the reader/writer goroutines netif.Driver promises.
func (d *afPacketDriver) Open(nif *netif.Interface, cfg netif.Config) error {
	iface, err := net.InterfaceByName(cfg.Name)
	if err != nil {
		return fmt.Errorf("netstackd: lookup interface %s: %w", cfg.Name, err)
	}
	if len(iface.HardwareAddr) == 6 {
		copy(nif.HWAddr[:], iface.HardwareAddr)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return fmt.Errorf("netstackd: open af_packet socket: %w", err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netstackd: bind af_packet socket to %s: %w", cfg.Name, err)
	}

	file := os.NewFile(uintptr(fd), "af_packet:"+cfg.Name)
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("netstackd: wrap af_packet socket: %w", err)
	}

	d.conn = conn
	d.fd = netfd.GetFdFromConn(conn)
	d.ifindex = iface.Index
	d.stop = make(chan struct{})

	// A 200ms receive timeout lets the reader goroutine notice d.stop
	// being closed promptly instead of blocking in the kernel
	// indefinitely; the writer bounds its own wait in Send.
	tv := unix.Timeval{Sec: 0, Usec: 200000}
	unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	d.wg.Add(2)
	go d.readLoop(nif)
	go d.writeLoop(nif)

	return nil
}

// readLoop is the driver's reader goroutine: it copies every frame
// the kernel delivers on the bound socket into a freshly allocated
// packet buffer and hands it to the interface's receive queue.
func (d *afPacketDriver) readLoop(nif *netif.Interface) {
	defer d.wg.Done()
	raw := make([]byte, frameBufSize)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n, _, err := unix.Recvfrom(d.fd, raw, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			netlog.Log.WithField("interface", nif.Name).WithError(err).Warn("af_packet recvfrom failed, reader exiting")
			return
		}
		if n <= 0 {
			continue
		}
		buf, err := pktbuf.Alloc(n)
		if err != nil {
			netlog.Log.WithField("interface", nif.Name).WithError(err).Warn("dropping frame: packet buffer allocation failed")
			continue
		}
		buf.AccReset()
		if err := buf.Write(raw[:n], n); err != nil {
			buf.Free()
			continue
		}
		buf.AccReset()
		if err := nif.PushRecv(buf); err != nil {
			buf.Free()
		}
	}
}

// writeLoop is the driver's writer goroutine, matching the contract
// netif.Driver documents for Send: called in a loop until the
// interface is closed.
func (d *afPacketDriver) writeLoop(nif *netif.Interface) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if err := d.Send(nif); err != nil {
			continue
		}
	}
}

// Send implements netif.Driver.Send: it dequeues one frame (bounded
// wait, so writeLoop can keep checking d.stop) and writes it straight
// to the bound socket, the kernel handling framing onto the wire from
// here.
func (d *afPacketDriver) Send(nif *netif.Interface) error {
	buf, err := nif.SendQ.Recv(200)
	if err != nil {
		return err
	}
	defer buf.Free()

	raw := make([]byte, buf.TotalSize())
	buf.AccReset()
	if err := buf.Read(raw, len(raw)); err != nil {
		return err
	}
	_, err = unix.Write(d.fd, raw)
	return err
}

// Close stops the reader and writer goroutines, waits for both to
// exit, and releases the socket.
func (d *afPacketDriver) Close(nif *netif.Interface) error {
	d.mu.Lock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
