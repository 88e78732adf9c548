package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"syscall"

	"github.com/cwsl/flexstream/engine"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// maxDatagram is the largest UDP payload we will read
const maxDatagram = 65536

// Receiver reads VITA-49 datagrams from the radio and feeds them to the engine
type Receiver struct {
	addr    *net.UDPAddr
	iface   *net.Interface
	engine  *engine.Engine
	conn    *net.UDPConn
	metrics *PrometheusMetrics
}

// NewReceiver opens the receive socket described by the radio config
func NewReceiver(cfg RadioConfig, eng *engine.Engine, metrics *PrometheusMetrics) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid radio.listen %q: %w", cfg.Listen, err)
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", cfg.Interface, err)
		}
	}

	conn, err := setupDataSocket(addr, iface, cfg.ReadBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to setup data socket: %w", err)
	}

	log.Printf("VITA-49 receiver listening on %s (iface: %v)", addr.String(), iface)

	return &Receiver{
		addr:    addr,
		iface:   iface,
		engine:  eng,
		conn:    conn,
		metrics: metrics,
	}, nil
}

// setupDataSocket creates a UDP socket for the radio's stream traffic,
// joining the group when addr is multicast
func setupDataSocket(addr *net.UDPAddr, iface *net.Interface, readBuffer int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				// Allow a second consumer of the same radio on this host
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}

				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	udpConn := conn.(*net.UDPConn)

	if err := udpConn.SetReadBuffer(readBuffer); err != nil {
		log.Printf("Warning: failed to set read buffer size: %v", err)
	}

	if !addr.IP.IsMulticast() {
		return udpConn, nil
	}

	p := ipv4.NewPacketConn(udpConn)
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on %s: %v", iface.Name, err)
		}
	}

	// Also join on loopback for a radio simulator on the same host
	loopback, err := getLoopbackInterface()
	if err == nil && loopback != nil {
		if err := p.JoinGroup(loopback, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on loopback: %v", err)
		}
	}

	return udpConn, nil
}

// getLoopbackInterface finds the loopback network interface
func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			return &iface, nil
		}
	}

	return nil, fmt.Errorf("loopback interface not found")
}

// Run receives packets until ctx is cancelled. Per-packet errors never stop
// the loop.
func (r *Receiver) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.Close()
	}()

	log.Println("VITA-49 receiver started")

	buffer := make([]byte, maxDatagram)
	packetCount := 0

	for {
		n, _, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("Error reading UDP packet: %v", err)
			continue
		}
		packetCount++

		// The engine keeps slices of the payload, so each packet gets its own copy
		data := make([]byte, n)
		copy(data, buffer[:n])

		if err := r.engine.IngestPacket(data); err != nil {
			r.metrics.RecordIngestError(err)
			if DebugMode {
				log.Printf("DEBUG: packet %d (%d bytes): %v", packetCount, n, err)
			}
		}
	}

	if DebugMode {
		log.Printf("DEBUG: receive loop exited after %d packets", packetCount)
	}
	log.Println("VITA-49 receiver stopped")
	return nil
}

// Close releases the socket, ending a running receive loop
func (r *Receiver) Close() error {
	return r.conn.Close()
}
