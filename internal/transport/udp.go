// Package transport sends wire packets to the downstream recorder over UDP.
// Delivery is best effort: no acknowledgment, no retransmission, no ordering
// across sends. Failures are counted and logged, never propagated upstream.
package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/biosignal-telemetry/btr/internal/metrics"
)

// Sender is the minimal datagram surface the streaming core emits into.
type Sender interface {
	Send(payload []byte) error
}

// UDPSender sends datagrams to a fixed recorder address.
type UDPSender struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	addr    string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Dial resolves the recorder address and opens the sending socket.
func Dial(addr string, log zerolog.Logger, m *metrics.Metrics) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve recorder address %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial recorder %s: %w", addr, err)
	}

	return &UDPSender{
		conn:    conn,
		addr:    addr,
		log:     log.With().Str("component", "transport").Str("recorder", addr).Logger(),
		metrics: m,
	}, nil
}

// Send writes one datagram. Errors are logged and counted; the caller gets
// them back for accounting but must not retry or buffer.
func (u *UDPSender) Send(payload []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport closed")
	}

	if _, err := conn.Write(payload); err != nil {
		if u.metrics != nil {
			u.metrics.SendFailures.Inc()
		}
		u.log.Warn().Err(err).Int("bytes", len(payload)).Msg("datagram send failed")
		return err
	}

	if u.metrics != nil {
		u.metrics.BytesSent.Add(float64(len(payload)))
	}
	return nil
}

// Close shuts the socket. Further sends fail.
func (u *UDPSender) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}
