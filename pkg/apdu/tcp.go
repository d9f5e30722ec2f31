package apdu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Frames on the TCP transport are a 4-byte big-endian length followed by the
// APDU bytes. A zero-length request frame asks the card to deselect the
// applet; the card answers with a zero-length frame.
const maxFrame = 4 + 3 + MaxExtendedData + 2

// Handler is the card side of the TCP transport.
type Handler interface {
	Process(apdu []byte) []byte
	Deselect()
}

// ServeTCP accepts connections on ln and feeds every frame to h. Connections
// are served one at a time, like a single reader slot. The applet is
// deselected whenever a connection ends. ServeTCP returns when ctx is done.
func ServeTCP(ctx context.Context, ln net.Listener, h Handler) error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			serveConn(ctx, conn, h)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, h Handler) {
	remote := conn.RemoteAddr().String()
	slog.Info("reader connected", "remote", remote)
	defer func() {
		h.Deselect()
		_ = conn.Close()
		slog.Info("reader disconnected", "remote", remote)
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("read frame failed", "remote", remote, "error", err)
			}
			return
		}
		var resp []byte
		if len(req) == 0 {
			h.Deselect()
		} else {
			resp = h.Process(req)
		}
		if err := writeFrame(conn, resp); err != nil {
			slog.Warn("write frame failed", "remote", remote, "error", err)
			return
		}
	}
}

// TCPCard is the host side of the TCP transport.
type TCPCard struct {
	mu      sync.Mutex
	conn    net.Conn
	Timeout time.Duration
}

// DialTCP connects to an emulator listening on addr.
func DialTCP(ctx context.Context, addr string) (*TCPCard, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &TCPCard{conn: conn, Timeout: 10 * time.Second}, nil
}

// Transmit sends one APDU frame and waits for the response frame.
func (c *TCPCard) Transmit(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, errors.New("empty APDU")
	}
	return c.roundTrip(apdu)
}

// Deselect asks the card to deselect the applet.
func (c *TCPCard) Deselect() error {
	_, err := c.roundTrip(nil)
	return err
}

func (c *TCPCard) roundTrip(req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("connection closed")
	}
	if c.Timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	if err := writeFrame(c.conn, req); err != nil {
		c.drop()
		return nil, err
	}
	resp, err := readFrame(c.conn)
	if err != nil {
		// A late reply would be read as the answer to the next command.
		c.drop()
		return nil, err
	}
	return resp, nil
}

func (c *TCPCard) drop() {
	_ = c.conn.Close()
	c.conn = nil
}

// Close closes the connection; the emulator deselects the applet.
func (c *TCPCard) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err := w.Write(buf)
	return err
}
