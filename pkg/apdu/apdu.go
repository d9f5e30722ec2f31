package apdu

import (
	"fmt"

	skyapdu "github.com/skythen/apdu"
)

// Length limits for the short and extended ISO 7816-4 encodings.
const (
	MaxShortData    = 255
	MaxShortNe      = 256
	MaxExtendedData = 65535
	MaxExtendedNe   = 65536
)

// Command is an ISO 7816-4 command APDU.
//
// Ne is the expected response length; zero means no response data is
// expected. Data of length zero means no command data.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Ne   int
}

// Case returns the ISO 7816-4 length case (1 to 4) of the command.
func (c Command) Case() int {
	switch {
	case len(c.Data) == 0 && c.Ne == 0:
		return 1
	case len(c.Data) == 0:
		return 2
	case c.Ne == 0:
		return 3
	default:
		return 4
	}
}

// Extended reports whether the command needs the extended length encoding.
func (c Command) Extended() bool {
	return len(c.Data) > MaxShortData || c.Ne > MaxShortNe
}

// Encode serializes the command. The encoding is fully determined by the
// data length and Ne:
//
//	case 1:  CLA INS P1 P2
//	case 2S: CLA INS P1 P2 Le
//	case 2E: CLA INS P1 P2 00 Le1 Le2
//	case 3S: CLA INS P1 P2 Lc Data
//	case 3E: CLA INS P1 P2 00 Lc1 Lc2 Data
//	case 4S: CLA INS P1 P2 Lc Data Le
//	case 4E: CLA INS P1 P2 00 Lc1 Lc2 Data Le1 Le2
//
// Le values of 256 (short) and 65536 (extended) are encoded as zero.
func (c Command) Encode() ([]byte, error) {
	if len(c.Data) > MaxExtendedData {
		return nil, &LengthError{Msg: fmt.Sprintf("command data too long: %d bytes", len(c.Data))}
	}
	if c.Ne < 0 || c.Ne > MaxExtendedNe {
		return nil, &LengthError{Msg: fmt.Sprintf("Ne out of range: %d", c.Ne)}
	}

	out := make([]byte, 0, 4+3+len(c.Data)+2)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)
	ext := c.Extended()

	switch c.Case() {
	case 1:
	case 2:
		if ext {
			out = append(out, 0x00, byte(c.Ne>>8), byte(c.Ne))
		} else {
			out = append(out, byte(c.Ne))
		}
	case 3:
		if ext {
			out = append(out, 0x00, byte(len(c.Data)>>8), byte(len(c.Data)))
		} else {
			out = append(out, byte(len(c.Data)))
		}
		out = append(out, c.Data...)
	case 4:
		if ext {
			out = append(out, 0x00, byte(len(c.Data)>>8), byte(len(c.Data)))
			out = append(out, c.Data...)
			out = append(out, byte(c.Ne>>8), byte(c.Ne))
		} else {
			out = append(out, byte(len(c.Data)))
			out = append(out, c.Data...)
			out = append(out, byte(c.Ne))
		}
	}
	return out, nil
}

// MustEncode is like Encode but panics on error. It is meant for command
// templates whose lengths are known to be valid.
func (c Command) MustEncode() []byte {
	b, err := c.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

// Capdu converts the command into the github.com/skythen/apdu representation
// used by GlobalPlatform tooling.
func (c Command) Capdu() skyapdu.Capdu {
	return skyapdu.Capdu{
		Cla:  c.CLA,
		Ins:  c.INS,
		P1:   c.P1,
		P2:   c.P2,
		Data: append([]byte(nil), c.Data...),
		Ne:   c.Ne,
	}
}

// ParseCommand decodes a raw command APDU. The returned command owns a copy
// of the data field.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < 4 {
		return Command{}, &LengthError{Msg: fmt.Sprintf("command too short: %d bytes", len(b))}
	}
	cmd := Command{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	body := b[4:]

	switch {
	case len(body) == 0:
		return cmd, nil

	case len(body) == 1:
		cmd.Ne = shortNe(body[0])
		return cmd, nil

	case body[0] != 0x00:
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
			cmd.Data = append([]byte(nil), body[1:]...)
		case 2 + lc:
			cmd.Data = append([]byte(nil), body[1:1+lc]...)
			cmd.Ne = shortNe(body[1+lc])
		default:
			return Command{}, &LengthError{Msg: fmt.Sprintf("Lc=%d inconsistent with %d body bytes", lc, len(body))}
		}
		return cmd, nil

	case len(body) == 3:
		cmd.Ne = extendedNe(body[1], body[2])
		return cmd, nil

	case len(body) > 3:
		lc := int(body[1])<<8 | int(body[2])
		if lc == 0 {
			return Command{}, &LengthError{Msg: "extended Lc of zero"}
		}
		switch len(body) {
		case 3 + lc:
			cmd.Data = append([]byte(nil), body[3:]...)
		case 5 + lc:
			cmd.Data = append([]byte(nil), body[3:3+lc]...)
			cmd.Ne = extendedNe(body[3+lc], body[4+lc])
		default:
			return Command{}, &LengthError{Msg: fmt.Sprintf("extended Lc=%d inconsistent with %d body bytes", lc, len(body))}
		}
		return cmd, nil

	default:
		return Command{}, &LengthError{Msg: fmt.Sprintf("malformed length field (%d body bytes)", len(body))}
	}
}

func shortNe(le byte) int {
	if le == 0 {
		return MaxShortNe
	}
	return int(le)
}

func extendedNe(hi, lo byte) int {
	ne := int(hi)<<8 | int(lo)
	if ne == 0 {
		return MaxExtendedNe
	}
	return ne
}

// Response is an ISO 7816-4 response APDU: data followed by SW1 SW2.
type Response struct {
	raw []byte
}

// ParseResponse wraps raw response bytes. The buffer must hold at least the
// two status bytes. The response keeps its own copy of b.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < 2 {
		return Response{}, &LengthError{Msg: fmt.Sprintf("short response: %d bytes", len(b))}
	}
	return Response{raw: append([]byte(nil), b...)}, nil
}

// NewResponse builds a response from data and a status word.
func NewResponse(data []byte, sw uint16) Response {
	raw := make([]byte, 0, len(data)+2)
	raw = append(raw, data...)
	raw = append(raw, byte(sw>>8), byte(sw))
	return Response{raw: raw}
}

// Data returns a copy of the response payload without the status word.
func (r Response) Data() []byte {
	if len(r.raw) < 2 {
		return nil
	}
	return append([]byte{}, r.raw[:len(r.raw)-2]...)
}

// SW returns the status word SW1||SW2.
func (r Response) SW() uint16 {
	if len(r.raw) < 2 {
		return 0
	}
	return uint16(r.raw[len(r.raw)-2])<<8 | uint16(r.raw[len(r.raw)-1])
}

func (r Response) SW1() byte { return byte(r.SW() >> 8) }
func (r Response) SW2() byte { return byte(r.SW()) }

// Bytes returns a copy of the encoded response.
func (r Response) Bytes() []byte {
	return append([]byte(nil), r.raw...)
}

// LengthError reports a malformed or out-of-range APDU length.
type LengthError struct {
	Msg string
}

func (e *LengthError) Error() string {
	return "apdu: " + e.Msg
}
