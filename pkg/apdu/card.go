package apdu

import (
	"encoding/hex"
	"log/slog"
	"strings"
)

// Card abstracts the byte-transceive channel for real PC/SC readers, the
// emulator socket and in-process test doubles. Transmit returns the raw
// response including SW1 SW2.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// CardFunc adapts a plain function to the Card interface.
type CardFunc func(apdu []byte) ([]byte, error)

func (f CardFunc) Transmit(apdu []byte) ([]byte, error) { return f(apdu) }

// Transmit sends a raw APDU to the card and extracts the status word.
// Returns (response_data, status_word, error).
// The response data does NOT include the trailing SW bytes. Channel failures
// are returned as *TransportError.
func Transmit(card Card, apdu []byte) ([]byte, uint16, error) {
	raw, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, &TransportError{Cause: err}
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, 0, &TransportError{Cause: err}
	}
	return resp.Data(), resp.SW(), nil
}

// Exchange encodes cmd, transmits it and returns the parsed response. A non
// success status word is not an error here; see Check.
func Exchange(card Card, cmd Command) (Response, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return Response{}, err
	}
	slog.Debug("apdu >>", "apdu", hexUpper(raw))
	out, err := card.Transmit(raw)
	if err != nil {
		return Response{}, &TransportError{Cause: err}
	}
	slog.Debug("apdu <<", "rapdu", hexUpper(out))
	resp, err := ParseResponse(out)
	if err != nil {
		return Response{}, &TransportError{Cause: err}
	}
	return resp, nil
}

// Check returns the response data, or an *SWError when the status word is
// not 9000.
func Check(ins byte, resp Response) ([]byte, error) {
	if !SwOK(resp.SW()) {
		return nil, &SWError{Ins: ins, SW: resp.SW()}
	}
	return resp.Data(), nil
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
