package scp03

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/barnettlynn/impalacard/pkg/aescmac"
	"github.com/barnettlynn/impalacard/pkg/apdu"
)

// State is the position of a channel in the handshake.
type State int

const (
	NoSession State = iota
	Initialized
	Authenticated
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Initialized:
		return "initialized"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Channel is the card side of an SCP03 secure channel. It is not safe for
// concurrent use; the card processes one APDU at a time.
type Channel struct {
	static StaticKeys
	rand   io.Reader

	state         State
	level         SecurityLevel
	hostChallenge [ChallengeLen]byte
	cardChallenge [ChallengeLen]byte
	keys          *sessionKeys
	chain         [16]byte
}

// NewChannel creates a card-side channel over the given static keys. A nil
// rand uses crypto/rand.
func NewChannel(keys StaticKeys, rnd io.Reader) *Channel {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Channel{static: keys, rand: rnd}
}

// SetStaticKeys replaces the static key set. An open session keeps its
// already derived session keys.
func (c *Channel) SetStaticKeys(keys StaticKeys) { c.static = keys }

// StaticKeys returns the current static key set.
func (c *Channel) StaticKeys() StaticKeys { return c.static }

func (c *Channel) State() State { return c.state }
func (c *Channel) Level() SecurityLevel { return c.level }
func (c *Channel) Authenticated() bool { return c.state == Authenticated }

// Reset tears the session down and zeroes every session secret.
func (c *Channel) Reset() {
	c.state = NoSession
	c.level = 0
	c.keys = nil
	c.hostChallenge = [ChallengeLen]byte{}
	c.cardChallenge = [ChallengeLen]byte{}
	c.chain = [16]byte{}
}

// InitializeUpdate handles INITIALIZE UPDATE. It returns the 29-byte
// response: key diversification data, key information, card challenge and
// card cryptogram.
func (c *Channel) InitializeUpdate(hostChallenge []byte) ([]byte, error) {
	if len(hostChallenge) != ChallengeLen {
		return nil, apdu.Status(apdu.SWWrongLength)
	}
	c.Reset()
	copy(c.hostChallenge[:], hostChallenge)
	if _, err := io.ReadFull(c.rand, c.cardChallenge[:]); err != nil {
		c.Reset()
		return nil, err
	}
	keys, err := deriveSessionKeys(c.static, c.hostChallenge[:], c.cardChallenge[:])
	if err != nil {
		c.Reset()
		return nil, err
	}
	c.keys = keys

	out := make([]byte, 0, initUpdateRespLen)
	out = append(out, keyDiversification...)
	out = append(out, keyInfo...)
	out = append(out, c.cardChallenge[:]...)
	out = append(out, keys.cryptogram(derivCardCryptogram, c.hostChallenge[:], c.cardChallenge[:])...)
	c.state = Initialized
	return out, nil
}

// ExternalAuthenticate handles EXTERNAL AUTHENTICATE. level is P1; data is
// host cryptogram || C-MAC. Any mismatch resets the channel.
func (c *Channel) ExternalAuthenticate(level SecurityLevel, data []byte) error {
	if c.state != Initialized {
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	if len(data) != CryptogramLen+MACLen {
		return apdu.Status(apdu.SWWrongLength)
	}
	if err := level.Validate(); err != nil {
		c.Reset()
		return apdu.Status(apdu.SWIncorrectP1P2)
	}

	hostCrypto := data[:CryptogramLen]
	want := c.keys.cryptogram(derivHostCryptogram, c.hostChallenge[:], c.cardChallenge[:])
	if subtle.ConstantTimeCompare(hostCrypto, want) != 1 {
		c.Reset()
		return apdu.Status(apdu.SWAuthFailed)
	}

	mac := c.keys.mac.CMAC(externalAuthMACInput(c.chain[:], level, hostCrypto))
	if subtle.ConstantTimeCompare(data[CryptogramLen:], mac[:MACLen]) != 1 {
		c.Reset()
		return apdu.Status(apdu.SWAuthFailed)
	}
	copy(c.chain[:], mac)
	c.level = level
	c.state = Authenticated
	return nil
}

// externalAuthMACInput is chain || 84 82 level 00 10 || host cryptogram.
func externalAuthMACInput(chain []byte, level SecurityLevel, hostCrypto []byte) []byte {
	m := make([]byte, 0, len(chain)+5+len(hostCrypto))
	m = append(m, chain...)
	m = append(m, 0x84, 0x82, byte(level), 0x00, byte(CryptogramLen+MACLen))
	return append(m, hostCrypto...)
}

// UnwrapCommand verifies and strips the C-MAC and decrypts the command data
// according to the negotiated level. The returned command carries the
// plaintext data.
func (c *Channel) UnwrapCommand(cmd apdu.Command) (apdu.Command, error) {
	if c.state != Authenticated {
		return apdu.Command{}, apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	data := cmd.Data

	if c.level.Has(CMAC) {
		if len(data) < MACLen {
			return apdu.Command{}, apdu.Status(apdu.SWWrongLength)
		}
		// The MAC input carries a one byte Lc.
		if len(data) > apdu.MaxShortData {
			c.Reset()
			return apdu.Command{}, apdu.Status(apdu.SWWrongLength)
		}
		payload := data[:len(data)-MACLen]
		mac := c.keys.mac.CMAC(macInput(c.chain[:], cmd.CLA, cmd.INS, cmd.P1, cmd.P2, payload))
		if subtle.ConstantTimeCompare(data[len(payload):], mac[:MACLen]) != 1 {
			c.Reset()
			return apdu.Command{}, apdu.Status(apdu.SWMACVerificationFailed)
		}
		copy(c.chain[:], mac)
		data = payload
	}

	if c.level.Has(CDEC) && len(data) > 0 {
		if len(data)%aescmac.BlockSize != 0 {
			return apdu.Command{}, apdu.Status(apdu.SWWrongLength)
		}
		plain, err := aescmac.CBCDecrypt(c.keys.encKey[:], aescmac.ZeroIV, data)
		if err != nil {
			return apdu.Command{}, apdu.Status(apdu.SWWrongLength)
		}
		if data, err = aescmac.Unpad(plain); err != nil {
			return apdu.Command{}, apdu.Status(apdu.SWWrongLength)
		}
	}

	out := cmd
	out.Data = append([]byte(nil), data...)
	return out, nil
}

// WrapResponse applies R-ENC and R-MAC to a response and returns the data
// field to send before sw. Without an authenticated session data is returned
// unchanged.
func (c *Channel) WrapResponse(data []byte, sw uint16) []byte {
	if c.state != Authenticated {
		return data
	}
	out := append([]byte(nil), data...)

	if c.level.Has(RENC) && len(out) > 0 {
		enc, err := aescmac.CBCEncrypt(c.keys.encKey[:], aescmac.ZeroIV, aescmac.Pad(out))
		if err == nil {
			out = enc
		}
	}

	if c.level.Has(RMAC) {
		mac := c.keys.rmac.CMAC(rmacInput(c.chain[:], out, sw))
		out = append(out, mac[:MACLen]...)
		copy(c.chain[:], mac)
	}
	return out
}

func rmacInput(chain, data []byte, sw uint16) []byte {
	m := make([]byte, 0, len(chain)+len(data)+2)
	m = append(m, chain...)
	m = append(m, data...)
	return append(m, byte(sw>>8), byte(sw))
}
