// Package channel implements a byte-oriented TCP channel: TCP connect
// with a handshake command, raw int send/recv, and a poll timeout applied
// to the dial and to every SendInt/RecvInt. conn.Conn later reads and
// writes the underlying net.Conn (see Conn) without deadlines of its own.
package channel

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ServerServerConnect is the handshake command sent immediately after
// the TCP connection is established.
const ServerServerConnect int32 = 0x01

// Channel is a single TCP connection with a poll timeout applied to every
// read/write, plus the 2-int type-byte handshake used to open it.
type Channel struct {
	conn        net.Conn
	name        string
	pollTimeout time.Duration
	channelID   string
}

// New constructs an unconnected Channel. Callers typically pass the
// "TS_PS_comm" name and a 1000ms poll timeout unless overridden.
func New(name string, pollTimeout time.Duration) *Channel {
	return &Channel{
		name:        name,
		pollTimeout: pollTimeout,
		channelID:   uuid.NewString(),
	}
}

// Wrap builds a Channel around a net.Conn this process did not dial
// itself (e.g. one returned by net.Listener.Accept in a test harness
// standing in for a page server). No handshake command is sent; the
// caller already knows how the connection came to exist.
func Wrap(conn net.Conn, name string, pollTimeout time.Duration) *Channel {
	return &Channel{
		conn:        conn,
		name:        name,
		pollTimeout: pollTimeout,
		channelID:   uuid.NewString(),
	}
}

func (c *Channel) SetChannelName(name string) {
	c.name = name
}

func (c *Channel) GetChannelID() string {
	return c.channelID
}

// Connect dials host:port and sends the handshake command as a raw int32.
// command is normally ServerServerConnect.
func (c *Channel) Connect(host string, port uint16, command int32) error {
	addr := fmt.Sprintf("%s:%d", host, port)

	dialer := net.Dialer{Timeout: c.pollTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: tcp dial %s failed: %w", c.name, addr, err)
	}
	c.conn = conn

	if err := c.SendInt(command); err != nil {
		c.Close()
		return fmt.Errorf("%s: failed to send handshake command: %w", c.name, err)
	}

	return nil
}

// SendInt writes a single big-endian int32, applying the poll timeout as
// a write deadline.
func (c *Channel) SendInt(v int32) error {
	if c.conn == nil {
		return fmt.Errorf("%s: not connected", c.name)
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.pollTimeout)); err != nil {
		return fmt.Errorf("%s: failed to set write deadline: %w", c.name, err)
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	if _, err := c.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("%s: failed to write int: %w", c.name, err)
	}

	return nil
}

// RecvInt reads a single big-endian int32, applying the poll timeout as a
// read deadline.
func (c *Channel) RecvInt() (int32, error) {
	if c.conn == nil {
		return 0, fmt.Errorf("%s: not connected", c.name)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pollTimeout)); err != nil {
		return 0, fmt.Errorf("%s: failed to set read deadline: %w", c.name, err)
	}

	var buf [4]byte
	if _, err := readFull(c.conn, buf[:]); err != nil {
		return 0, fmt.Errorf("%s: failed to read int: %w", c.name, err)
	}

	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// Conn returns the underlying net.Conn, for handing off to conn.Conn once
// the handshake has completed.
func (c *Channel) Conn() net.Conn {
	return c.conn
}

func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
