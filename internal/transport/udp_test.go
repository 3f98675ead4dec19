package transport

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localRecorder(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, conn.LocalAddr().String()
}

func TestDial_BadAddress(t *testing.T) {
	_, err := Dial("not-an-address", zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestSend_DeliversDatagram(t *testing.T) {
	recorder, addr := localRecorder(t)

	sender, err := Dial(addr, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer sender.Close()

	payload := []byte(`{"type":"ecg","device":"dev-1","seq":1}`)
	require.NoError(t, sender.Send(payload))

	require.NoError(t, recorder.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := recorder.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestSend_AfterCloseFails(t *testing.T) {
	_, addr := localRecorder(t)

	sender, err := Dial(addr, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, sender.Close())

	assert.Error(t, sender.Send([]byte("x")))
	assert.NoError(t, sender.Close(), "close is idempotent")
}
