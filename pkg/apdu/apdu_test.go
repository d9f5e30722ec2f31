package apdu

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	skyapdu "github.com/skythen/apdu"
)

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		cmd      Command
		wantCase int
		wantLen  int
	}{
		{"case1", Command{CLA: 0x00, INS: 0x02}, 1, 4},
		{"case2 short", Command{CLA: 0x00, INS: 0x04, Ne: 8}, 2, 5},
		{"case2 short Ne=256", Command{CLA: 0x00, INS: 0x04, Ne: 256}, 2, 5},
		{"case2 extended", Command{CLA: 0x00, INS: 0x04, Ne: 257}, 2, 7},
		{"case2 extended Ne=65536", Command{CLA: 0x00, INS: 0x04, Ne: 65536}, 2, 7},
		{"case3 short", Command{CLA: 0x80, INS: 0x50, Data: seq(8)}, 3, 13},
		{"case3 short max", Command{CLA: 0x80, INS: 0x50, Data: seq(255)}, 3, 260},
		{"case3 extended", Command{CLA: 0x84, INS: 0x71, P1: 1, P2: 2, Data: seq(256)}, 3, 263},
		{"case4 short", Command{CLA: 0x00, INS: 0x06, Data: seq(64), Ne: 256}, 4, 70},
		{"case4 extended by Ne", Command{CLA: 0x00, INS: 0x06, Data: seq(10), Ne: 1000}, 4, 19},
		{"case4 extended by data", Command{CLA: 0x00, INS: 0x06, Data: seq(300), Ne: 2}, 4, 309},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Case(); got != tt.wantCase {
				t.Fatalf("Case() = %d, want %d", got, tt.wantCase)
			}
			raw, err := tt.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(raw) != tt.wantLen {
				t.Fatalf("encoded length = %d, want %d", len(raw), tt.wantLen)
			}
			got, err := ParseCommand(raw)
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if diff := cmp.Diff(tt.cmd, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandEncodingMatchesSkythen(t *testing.T) {
	cmds := []Command{
		{CLA: 0x00, INS: 0x02},
		{CLA: 0x00, INS: 0x04, Ne: 8},
		{CLA: 0x80, INS: 0x50, Data: seq(8), Ne: 256},
		{CLA: 0x84, INS: 0x82, P1: 0x33, Data: seq(16)},
		{CLA: 0x00, INS: 0x06, Data: seq(300), Ne: 65536},
	}
	for _, c := range cmds {
		capdu := c.Capdu()
		want, err := capdu.Bytes()
		if err != nil {
			t.Fatalf("skythen Bytes: %v", err)
		}
		got, err := c.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("encoding mismatch for %+v\n got %X\nwant %X", c, got, want)
		}
	}
}

func TestCapduCopiesData(t *testing.T) {
	c := Command{INS: 0x06, Data: []byte{1, 2, 3}}
	var capdu skyapdu.Capdu = c.Capdu()
	capdu.Data[0] = 0xFF
	if c.Data[0] != 1 {
		t.Fatal("Capdu shares the data buffer")
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	if _, err := (Command{Data: make([]byte, MaxExtendedData+1)}).Encode(); err == nil {
		t.Fatal("expected error for oversize data")
	}
	if _, err := (Command{Ne: MaxExtendedNe + 1}).Encode(); err == nil {
		t.Fatal("expected error for oversize Ne")
	}
	if _, err := (Command{Ne: -1}).Encode(); err == nil {
		t.Fatal("expected error for negative Ne")
	}
}

func TestParseCommandMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"three bytes", []byte{0x00, 0xA4, 0x04}},
		{"Lc too large", []byte{0x00, 0xA4, 0x04, 0x00, 0x05, 0x01, 0x02}},
		{"Lc too small", []byte{0x00, 0xA4, 0x04, 0x00, 0x01, 0x01, 0x02, 0x03}},
		{"extended marker only", []byte{0x00, 0xA4, 0x04, 0x00, 0x00, 0x01}},
		{"extended Lc zero", []byte{0x00, 0xA4, 0x04, 0x00, 0x00, 0x00, 0x00, 0x01}},
		{"extended Lc mismatch", []byte{0x00, 0xA4, 0x04, 0x00, 0x00, 0x00, 0x03, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand(tt.raw)
			var lerr *LengthError
			if !errors.As(err, &lerr) {
				t.Fatalf("expected LengthError, got %v", err)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	if _, err := ParseResponse([]byte{0x90}); err == nil {
		t.Fatal("expected error for 1-byte response")
	}
	if _, err := ParseResponse(nil); err == nil {
		t.Fatal("expected error for empty response")
	}

	raw := []byte{0xDE, 0xAD, 0x90, 0x00}
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	raw[0] = 0x00
	data := resp.Data()
	if !bytes.Equal(data, []byte{0xDE, 0xAD}) {
		t.Fatalf("Data() = %X", data)
	}
	data[0] = 0x11
	if resp.Data()[0] != 0xDE {
		t.Fatal("mutating Data() result changed the response")
	}
	if resp.SW() != SWSuccess || resp.SW1() != 0x90 || resp.SW2() != 0x00 {
		t.Fatalf("SW = %04X", resp.SW())
	}

	only, _ := ParseResponse([]byte{0x6A, 0x86})
	if len(only.Data()) != 0 || only.SW() != SWIncorrectP1P2 {
		t.Fatalf("status-only response parsed as %X / %04X", only.Data(), only.SW())
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]byte{1, 2}, SWPINFailed+3)
	if !bytes.Equal(r.Bytes(), []byte{1, 2, 0x69, 0xC3}) {
		t.Fatalf("Bytes() = %X", r.Bytes())
	}
}

func TestTransmitShortResponse(t *testing.T) {
	card := CardFunc(func([]byte) ([]byte, error) { return []byte{0x90}, nil })
	_, _, err := Transmit(card, []byte{0x00, 0x02, 0x00, 0x00})
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSWErrorKinds(t *testing.T) {
	tests := []struct {
		sw   uint16
		want Kind
	}{
		{SWWrongLength, KindFormat},
		{SWWrongTailLength, KindFormat},
		{SWAuthFailed, KindAuth},
		{SWMACVerificationFailed, KindAuth},
		{SWSignatureVerificationFailed, KindAuth},
		{SWInsufficientFunds, KindLedger},
		{SWNotEnoughMemory, KindLedger},
		{SWTransferCounterInvalid, KindLedger},
		{SWPINFailed + 4, KindPIN},
		{SWPINFailed, KindPIN},
		{SWPINRequired, KindPIN},
		{SWAlreadyInitialized, KindLifecycle},
		{SWCardTerminated, KindLifecycle},
		{SWCryptoException, KindInternal},
	}
	for _, tt := range tests {
		err := error(&SWError{Ins: 0x06, SW: tt.sw})
		if got, ok := KindOfError(err); !ok || got != tt.want {
			t.Errorf("SW %04X kind = %v, want %v", tt.sw, got, tt.want)
		}
	}

	n, ok := PINTriesRemaining(&SWError{SW: 0x69C3})
	if !ok || n != 3 {
		t.Fatalf("PINTriesRemaining = %d, %v", n, ok)
	}
	if _, ok := PINTriesRemaining(&SWError{SW: SWWrongLength}); ok {
		t.Fatal("PINTriesRemaining matched a non-PIN SW")
	}
}

type echoHandler struct {
	deselected int
}

func (h *echoHandler) Process(apdu []byte) []byte {
	return append(append([]byte{}, apdu...), 0x90, 0x00)
}

func (h *echoHandler) Deselect() { h.deselected++ }

func TestTCPTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &echoHandler{}
	done := make(chan error, 1)
	go func() { done <- ServeTCP(ctx, ln, h) }()

	card, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	data, sw, err := Transmit(card, []byte{0x00, 0x02, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if sw != SWSuccess || !bytes.Equal(data, []byte{0x00, 0x02, 0x00, 0x00}) {
		t.Fatalf("got %X %04X", data, sw)
	}
	if err := card.Deselect(); err != nil {
		t.Fatalf("Deselect: %v", err)
	}
	_ = card.Close()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("ServeTCP: %v", err)
	}
	if h.deselected < 2 {
		t.Fatalf("deselected %d times, want at least 2", h.deselected)
	}
}

func TestTCPTransportExtendedFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ServeTCP(ctx, ln, &echoHandler{}) }()

	card, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer card.Close()

	req := Command{CLA: 0x00, INS: 0x02, Data: seq(MaxExtendedData)}.MustEncode()
	data, sw, err := Transmit(card, req)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if sw != SWSuccess || !bytes.Equal(data, req) {
		t.Fatalf("got %d bytes, sw %04X", len(data), sw)
	}

	if err := writeFrame(&bytes.Buffer{}, make([]byte, maxFrame+1)); err == nil {
		t.Fatal("oversized frame written")
	}
}

func TestTCPCardDropsConnectionOnTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	card, err := DialTCP(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer card.Close()
	card.Timeout = 50 * time.Millisecond

	if _, err := card.Transmit([]byte{0x00, 0x02, 0x00, 0x00}); err == nil {
		t.Fatal("Transmit succeeded without a reply")
	}

	// The silent card answers late; the stale reply must not be read.
	srv := <-accepted
	defer srv.Close()
	_ = writeFrame(srv, []byte{0x90, 0x00})

	_, err = card.Transmit([]byte{0x00, 0x03, 0x00, 0x00})
	if err == nil || err.Error() != "connection closed" {
		t.Fatalf("Transmit after timeout: %v", err)
	}
}
