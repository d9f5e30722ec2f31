package scp03

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/barnettlynn/impalacard/pkg/aescmac"
	"github.com/barnettlynn/impalacard/pkg/apdu"
)

// Command bytes of the GlobalPlatform handshake.
const (
	CLAGlobalPlatform byte = 0x80
	CLASecure         byte = 0x84

	INSInitializeUpdate     byte = 0x50
	INSExternalAuthenticate byte = 0x82
)

// Handshake steps reported by AuthError.
const (
	StepInitializeUpdate     = "initialize-update"
	StepCardCryptogram       = "card-cryptogram"
	StepExternalAuthenticate = "external-authenticate"
	StepResponseMAC          = "r-mac"
)

// AuthError reports a secure channel authentication failure. The session is
// closed when it is returned and must be reopened with a new handshake.
type AuthError struct {
	Step  string
	SW    uint16
	Cause error
}

func (e *AuthError) Error() string {
	msg := "scp03: authentication failed at " + e.Step
	if e.SW != 0 {
		msg += fmt.Sprintf(" (SW=0x%04X)", e.SW)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Cause }

// ErrNoSession is returned when a secured command is sent before Open or
// after the session was closed.
var ErrNoSession = errors.New("scp03: no open session")

// Session is the host side of an SCP03 secure channel. All methods
// serialize on an internal lock, since the MAC chaining value changes with
// every command.
type Session struct {
	mu sync.Mutex

	card  apdu.Card
	level SecurityLevel
	keys  *sessionKeys
	chain [16]byte
	open  bool
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	rand       io.Reader
	keyVersion byte
}

// WithRand sets the source of the host challenge.
func WithRand(r io.Reader) Option {
	return func(o *openOptions) { o.rand = r }
}

// WithKeyVersion sets P1 of INITIALIZE UPDATE.
func WithKeyVersion(v byte) Option {
	return func(o *openOptions) { o.keyVersion = v }
}

// Open runs INITIALIZE UPDATE and EXTERNAL AUTHENTICATE against card and
// returns an authenticated session at the requested level.
func Open(card apdu.Card, static StaticKeys, level SecurityLevel, opts ...Option) (*Session, error) {
	o := openOptions{rand: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	if err := level.Validate(); err != nil {
		return nil, err
	}

	hostChallenge := make([]byte, ChallengeLen)
	if _, err := io.ReadFull(o.rand, hostChallenge); err != nil {
		return nil, errors.Wrap(err, "generate host challenge")
	}

	resp, err := apdu.Exchange(card, apdu.Command{
		CLA:  CLAGlobalPlatform,
		INS:  INSInitializeUpdate,
		P1:   o.keyVersion,
		Data: hostChallenge,
		Ne:   apdu.MaxShortNe,
	})
	if err != nil {
		return nil, err
	}
	if resp.SW() != apdu.SWSuccess {
		return nil, &AuthError{Step: StepInitializeUpdate, SW: resp.SW()}
	}
	body := resp.Data()
	if len(body) != initUpdateRespLen {
		return nil, &AuthError{
			Step:  StepInitializeUpdate,
			Cause: errors.Errorf("response is %d bytes, want %d", len(body), initUpdateRespLen),
		}
	}
	if body[11] != scpIdentifier {
		return nil, &AuthError{
			Step:  StepInitializeUpdate,
			Cause: errors.Errorf("card reports SCP%02X", body[11]),
		}
	}
	cardChallenge := body[13:21]
	cardCryptogram := body[21:29]

	keys, err := deriveSessionKeys(static, hostChallenge, cardChallenge)
	if err != nil {
		return nil, errors.Wrap(err, "derive session keys")
	}
	want := keys.cryptogram(derivCardCryptogram, hostChallenge, cardChallenge)
	if subtle.ConstantTimeCompare(cardCryptogram, want) != 1 {
		return nil, &AuthError{Step: StepCardCryptogram, Cause: errors.New("card cryptogram mismatch")}
	}

	hostCrypto := keys.cryptogram(derivHostCryptogram, hostChallenge, cardChallenge)
	mac := keys.mac.CMAC(externalAuthMACInput(make([]byte, 16), level, hostCrypto))

	data := make([]byte, 0, CryptogramLen+MACLen)
	data = append(data, hostCrypto...)
	data = append(data, mac[:MACLen]...)
	resp, err = apdu.Exchange(card, apdu.Command{
		CLA:  CLAGlobalPlatform,
		INS:  INSExternalAuthenticate,
		P1:   byte(level),
		Data: data,
	})
	if err != nil {
		return nil, err
	}
	if resp.SW() != apdu.SWSuccess {
		return nil, &AuthError{Step: StepExternalAuthenticate, SW: resp.SW()}
	}

	s := &Session{card: card, level: level, keys: keys, open: true}
	copy(s.chain[:], mac)
	slog.Debug("scp03 session open", "level", level.String())
	return s, nil
}

// Level returns the negotiated security level.
func (s *Session) Level() SecurityLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// IsOpen reports whether the session can still carry commands.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close discards the session secrets. The card side resets on its own when
// it is deselected.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Session) reset() {
	s.open = false
	s.keys = nil
	s.chain = [16]byte{}
}

// Transmit wraps cmd, sends it and unwraps the response. Status words are
// returned in the response and are not errors; authentication and transport
// failures close the session.
func (s *Session) Transmit(cmd apdu.Command) (apdu.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wrapped, err := s.wrap(cmd)
	if err != nil {
		return apdu.Response{}, err
	}
	resp, err := apdu.Exchange(s.card, wrapped)
	if err != nil {
		var tErr *apdu.TransportError
		if errors.As(err, &tErr) {
			s.reset()
		}
		return apdu.Response{}, err
	}
	return s.unwrap(resp)
}

// Wrap applies C-DEC and C-MAC to cmd without sending it. It advances the
// chaining value, so the result must be sent and its response passed to
// Unwrap.
func (s *Session) Wrap(cmd apdu.Command) (apdu.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrap(cmd)
}

// Unwrap verifies and decrypts a response to a command produced by Wrap.
func (s *Session) Unwrap(resp apdu.Response) (apdu.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unwrap(resp)
}

func (s *Session) wrap(cmd apdu.Command) (apdu.Command, error) {
	if !s.open {
		return apdu.Command{}, ErrNoSession
	}
	data := append([]byte(nil), cmd.Data...)

	if s.level.Has(CDEC) && len(data) > 0 {
		enc, err := aescmac.CBCEncrypt(s.keys.encKey[:], aescmac.ZeroIV, aescmac.Pad(data))
		if err != nil {
			return apdu.Command{}, errors.Wrap(err, "encrypt command data")
		}
		data = enc
	}

	out := cmd
	if s.level.Has(CMAC) {
		out.CLA = cmd.CLA | CLASecure
		if len(data)+MACLen > apdu.MaxShortData {
			return apdu.Command{}, &apdu.LengthError{
				Msg: fmt.Sprintf("secured command data too long: %d bytes", len(data)+MACLen),
			}
		}
		mac := s.keys.mac.CMAC(macInput(s.chain[:], out.CLA, out.INS, out.P1, out.P2, data))
		copy(s.chain[:], mac)
		data = append(data, mac[:MACLen]...)
	}
	out.Data = data
	if s.level.Has(RMAC) || out.Ne > 0 {
		out.Ne = apdu.MaxShortNe
	}
	return out, nil
}

func (s *Session) unwrap(resp apdu.Response) (apdu.Response, error) {
	if !s.open {
		return apdu.Response{}, ErrNoSession
	}
	data := resp.Data()
	sw := resp.SW()

	if !s.level.Has(RMAC) {
		if sw == apdu.SWMACVerificationFailed {
			s.reset()
		}
		return resp, nil
	}

	if len(data) < MACLen {
		if sw != apdu.SWSuccess {
			// The card dropped its session before answering.
			s.reset()
			return resp, nil
		}
		s.reset()
		return apdu.Response{}, &AuthError{Step: StepResponseMAC, SW: sw, Cause: errors.New("response carries no R-MAC")}
	}

	body := data[:len(data)-MACLen]
	mac := s.keys.rmac.CMAC(rmacInput(s.chain[:], body, sw))
	if subtle.ConstantTimeCompare(data[len(body):], mac[:MACLen]) != 1 {
		s.reset()
		return apdu.Response{}, &AuthError{Step: StepResponseMAC, SW: sw, Cause: errors.New("R-MAC mismatch")}
	}
	copy(s.chain[:], mac)

	if s.level.Has(RENC) && len(body) > 0 {
		plain, err := aescmac.CBCDecrypt(s.keys.encKey[:], aescmac.ZeroIV, body)
		if err != nil {
			s.reset()
			return apdu.Response{}, &AuthError{Step: StepResponseMAC, SW: sw, Cause: err}
		}
		if body, err = aescmac.Unpad(plain); err != nil {
			s.reset()
			return apdu.Response{}, &AuthError{Step: StepResponseMAC, SW: sw, Cause: err}
		}
	}
	return apdu.NewResponse(body, sw), nil
}
