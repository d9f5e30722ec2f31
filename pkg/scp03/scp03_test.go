package scp03

import (
	"crypto/aes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aead/cmac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/impalacard/pkg/apdu"
)

// counterReader yields 00 01 02 ... so challenges are reproducible.
type counterReader struct{ n byte }

func (r *counterReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.n
		r.n++
	}
	return len(p), nil
}

// echoCard answers secured commands with their own plaintext data.
type echoCard struct {
	ch         *Channel
	tamperResp bool
	fail       error
}

func newEchoCard(keys StaticKeys) *echoCard {
	return &echoCard{ch: NewChannel(keys, &counterReader{n: 0xA0})}
}

func (c *echoCard) Transmit(raw []byte) ([]byte, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		return status(apdu.SWWrongLength), nil
	}
	switch cmd.INS {
	case INSInitializeUpdate:
		out, err := c.ch.InitializeUpdate(cmd.Data)
		return reply(out, err), nil
	case INSExternalAuthenticate:
		return reply(nil, c.ch.ExternalAuthenticate(SecurityLevel(cmd.P1), cmd.Data)), nil
	}
	if cmd.CLA&CLASecure != CLASecure {
		return status(apdu.SWSecurityNotSatisfied), nil
	}
	plain, err := c.ch.UnwrapCommand(cmd)
	if err != nil {
		return reply(nil, err), nil
	}
	out := c.ch.WrapResponse(plain.Data, apdu.SWSuccess)
	if c.tamperResp && len(out) > 0 {
		out[0] ^= 0x01
	}
	return append(out, 0x90, 0x00), nil
}

func status(sw uint16) []byte { return []byte{byte(sw >> 8), byte(sw)} }

func reply(data []byte, err error) []byte {
	if err != nil {
		var swErr *apdu.SWError
		if errors.As(err, &swErr) {
			return status(swErr.SW)
		}
		return status(apdu.SWUnknown)
	}
	return append(data, 0x90, 0x00)
}

func TestHandshakeAndEcho(t *testing.T) {
	levels := []SecurityLevel{0, CMAC, CMAC | CDEC, CMAC | RMAC, LevelFull}
	payloads := [][]byte{nil, {0x01}, make([]byte, 16), []byte("a payload that spans more than one AES block")}

	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			card := newEchoCard(DefaultKeys())
			s, err := Open(card, DefaultKeys(), level, WithRand(&counterReader{}))
			require.NoError(t, err)
			require.True(t, s.IsOpen())
			require.Equal(t, Authenticated, card.ch.State())
			require.Equal(t, level, card.ch.Level())

			if level == 0 {
				return
			}
			for _, p := range payloads {
				resp, err := s.Transmit(apdu.Command{CLA: 0x80, INS: 0x10, Data: p})
				require.NoError(t, err)
				require.Equal(t, uint16(apdu.SWSuccess), resp.SW())
				assert.Equal(t, len(p), len(resp.Data()))
				if len(p) > 0 {
					assert.Equal(t, p, resp.Data())
				}
			}
		})
	}
}

func TestTamperedCommandResetsChannel(t *testing.T) {
	card := newEchoCard(DefaultKeys())
	s, err := Open(card, DefaultKeys(), LevelFull, WithRand(&counterReader{}))
	require.NoError(t, err)

	wrapped, err := s.Wrap(apdu.Command{CLA: 0x80, INS: 0x10, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	wrapped.Data[0] ^= 0xFF

	raw, err := card.Transmit(wrapped.MustEncode())
	require.NoError(t, err)
	resp, err := apdu.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(apdu.SWMACVerificationFailed), resp.SW())
	assert.Equal(t, NoSession, card.ch.State())

	_, err = s.Unwrap(resp)
	require.NoError(t, err)
	assert.False(t, s.IsOpen())

	_, err = s.Transmit(apdu.Command{CLA: 0x80, INS: 0x10})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTamperedResponseClosesSession(t *testing.T) {
	card := newEchoCard(DefaultKeys())
	s, err := Open(card, DefaultKeys(), CMAC|RMAC, WithRand(&counterReader{}))
	require.NoError(t, err)

	card.tamperResp = true
	_, err = s.Transmit(apdu.Command{CLA: 0x80, INS: 0x10, Data: []byte("abc")})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, StepResponseMAC, authErr.Step)
	assert.False(t, s.IsOpen())
}

func TestWrongStaticKeys(t *testing.T) {
	card := newEchoCard(DefaultKeys())
	other := DefaultKeys()
	other.MAC[0] ^= 0x55

	_, err := Open(card, other, LevelFull, WithRand(&counterReader{}))
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, StepCardCryptogram, authErr.Step)
}

func TestBadHostCryptogram(t *testing.T) {
	ch := NewChannel(DefaultKeys(), &counterReader{})
	_, err := ch.InitializeUpdate(make([]byte, 8))
	require.NoError(t, err)
	require.Equal(t, Initialized, ch.State())

	err = ch.ExternalAuthenticate(LevelFull, make([]byte, 16))
	var swErr *apdu.SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(apdu.SWAuthFailed), swErr.SW)
	assert.Equal(t, NoSession, ch.State())
}

func TestChannelPreconditions(t *testing.T) {
	ch := NewChannel(DefaultKeys(), nil)

	err := ch.ExternalAuthenticate(CMAC, make([]byte, 16))
	assert.Equal(t, apdu.Status(apdu.SWConditionsNotSatisfied), err)

	_, err = ch.UnwrapCommand(apdu.Command{CLA: 0x84, INS: 0x10, Data: make([]byte, 8)})
	assert.Equal(t, apdu.Status(apdu.SWConditionsNotSatisfied), err)

	_, err = ch.InitializeUpdate(make([]byte, 7))
	assert.Equal(t, apdu.Status(apdu.SWWrongLength), err)

	assert.Equal(t, []byte{1, 2}, ch.WrapResponse([]byte{1, 2}, apdu.SWSuccess))
}

func TestInvalidLevelRejected(t *testing.T) {
	ch := NewChannel(DefaultKeys(), &counterReader{})
	_, err := ch.InitializeUpdate(make([]byte, 8))
	require.NoError(t, err)

	err = ch.ExternalAuthenticate(CDEC, make([]byte, 16))
	assert.Equal(t, apdu.Status(apdu.SWIncorrectP1P2), err)
	assert.Equal(t, NoSession, ch.State())
}

func TestInitializeUpdateResponse(t *testing.T) {
	ch := NewChannel(DefaultKeys(), &counterReader{n: 0x10})
	host := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	out, err := ch.InitializeUpdate(host)
	require.NoError(t, err)
	require.Len(t, out, 29)

	assert.Equal(t, make([]byte, 10), out[:10])
	assert.Equal(t, []byte{0x01, 0x03, 0x70}, out[10:13])
	assert.Equal(t, []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17}, out[13:21])

	card, _, err := Cryptograms(DefaultKeys(), host, out[13:21])
	require.NoError(t, err)
	assert.Equal(t, card, out[21:29])
}

// TestCryptogramsMatchReferenceCMAC recomputes the KDF chain with
// crypto/aes and github.com/aead/cmac.
func TestCryptogramsMatchReferenceCMAC(t *testing.T) {
	static := DefaultKeys()
	host := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	card := []byte{0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00}

	refCMAC := func(key, msg []byte) []byte {
		block, err := aes.NewCipher(key)
		require.NoError(t, err)
		h, err := cmac.New(block)
		require.NoError(t, err)
		h.Write(msg)
		return h.Sum(nil)
	}

	sMAC := refCMAC(static.MAC[:], deriveBlock(derivSMAC, 0x0080, host, card))
	wantCard := refCMAC(sMAC, deriveBlock(derivCardCryptogram, 0x0040, host, card))[:8]
	wantHost := refCMAC(sMAC, deriveBlock(derivHostCryptogram, 0x0040, host, card))[:8]

	gotCard, gotHost, err := Cryptograms(static, host, card)
	require.NoError(t, err)
	assert.Equal(t, wantCard, gotCard)
	assert.Equal(t, wantHost, gotHost)
}

func TestDeriveBlockLayout(t *testing.T) {
	host := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	card := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	b := deriveBlock(derivSRMAC, 0x0080, host, card)
	require.Len(t, b, 32)
	assert.Equal(t, make([]byte, 11), b[:11])
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x80, 0x01}, b[11:16])
	assert.Equal(t, host, b[16:24])
	assert.Equal(t, card, b[24:32])
}

func TestMACInputLayout(t *testing.T) {
	chain := make([]byte, 16)
	chain[15] = 0xCC
	m := macInput(chain, 0x84, 0x10, 0x01, 0x02, []byte{0xAA, 0xBB, 0xCC})
	assert.Equal(t, chain, m[:16])
	// Lc is the payload length; the MAC bytes are not counted.
	assert.Equal(t, []byte{0x84, 0x10, 0x01, 0x02, 0x03}, m[16:21])
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, m[21:])
}

func TestTransportErrorClosesSession(t *testing.T) {
	card := newEchoCard(DefaultKeys())
	s, err := Open(card, DefaultKeys(), LevelFull, WithRand(&counterReader{}))
	require.NoError(t, err)

	card.fail = errors.New("link lost")
	_, err = s.Transmit(apdu.Command{CLA: 0x80, INS: 0x10})
	assert.True(t, apdu.IsTransportError(err))
	assert.False(t, s.IsOpen())
}

func TestSecuredCommandTooLong(t *testing.T) {
	card := newEchoCard(DefaultKeys())
	s, err := Open(card, DefaultKeys(), CMAC, WithRand(&counterReader{}))
	require.NoError(t, err)

	_, err = s.Transmit(apdu.Command{CLA: 0x80, INS: 0x10, Data: make([]byte, 250)})
	var lErr *apdu.LengthError
	assert.ErrorAs(t, err, &lErr)

	// An extended command would truncate Lc in the MAC input.
	_, err = card.ch.UnwrapCommand(apdu.Command{CLA: CLASecure, INS: 0x10, Data: make([]byte, 300+MACLen)})
	var swErr *apdu.SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(apdu.SWWrongLength), swErr.SW)
	assert.Equal(t, NoSession, card.ch.State())
}

func TestSecurityLevel(t *testing.T) {
	assert.Equal(t, "C-MAC+C-DEC+R-MAC+R-ENC", LevelFull.String())
	assert.Equal(t, "none", SecurityLevel(0).String())

	for _, tc := range []struct {
		in   string
		want SecurityLevel
		ok   bool
	}{
		{"full", LevelFull, true},
		{"C-MAC", CMAC, true},
		{"c-mac+r-mac", CMAC | RMAC, true},
		{"0x33", LevelFull, true},
		{"0x01", CMAC, true},
		{"R-ENC", 0, false},
		{"C-DEC", 0, false},
		{"0x40", 0, false},
		{"X-MAC", 0, false},
	} {
		got, err := ParseSecurityLevel(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestLoadKeyFile(t *testing.T) {
	dir := t.TempDir()

	one := filepath.Join(dir, "one.hex")
	require.NoError(t, os.WriteFile(one, []byte("# default\n404142434445464748494A4B4C4D4E4F\n"), 0o600))
	k, err := LoadKeyFile(one)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeys(), k)

	three := filepath.Join(dir, "three.hex")
	require.NoError(t, os.WriteFile(three, []byte(
		"00000000000000000000000000000001\n"+
			"00000000000000000000000000000002\n\n"+
			"00000000000000000000000000000003\n"), 0o600))
	k, err = LoadKeyFile(three)
	require.NoError(t, err)
	assert.Equal(t, byte(1), k.ENC[15])
	assert.Equal(t, byte(2), k.MAC[15])
	assert.Equal(t, byte(3), k.DEK[15])

	round, err := ParseStaticKeys(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k, round)

	bad := filepath.Join(dir, "bad.hex")
	require.NoError(t, os.WriteFile(bad, []byte("0011\n"), 0o600))
	_, err = LoadKeyFile(bad)
	assert.Error(t, err)

	two := filepath.Join(dir, "two.hex")
	require.NoError(t, os.WriteFile(two, []byte(
		"00000000000000000000000000000001\n00000000000000000000000000000002\n"), 0o600))
	_, err = LoadKeyFile(two)
	assert.Error(t, err)
}
