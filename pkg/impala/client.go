package impala

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/applet"
	"github.com/barnettlynn/impalacard/pkg/scp03"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

// AID is the application identifier sent with SELECT.
var AID = []byte{0xF0, 0x49, 0x4D, 0x50, 0x41, 0x4C, 0x41, 0x01}

// ErrNoSecureChannel is returned by provisioning calls made before
// OpenSecureChannel.
var ErrNoSecureChannel = errors.New("impala: provisioning requires an open secure channel")

// Client talks to one Impala card. Once a secure channel is open every
// command is wrapped; calls are serialized.
type Client struct {
	card apdu.Card

	mu      sync.Mutex
	session *scp03.Session
}

// New returns a client for card. It does not send anything.
func New(card apdu.Card) *Client {
	return &Client{card: card}
}

// OpenSecureChannel runs the SCP03 handshake, replacing any open session.
// Later commands are sent through the session until CloseSecureChannel or
// an authentication failure.
func (c *Client) OpenSecureChannel(keys scp03.StaticKeys, level scp03.SecurityLevel, opts ...scp03.Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSession()
	s, err := scp03.Open(c.card, keys, level, opts...)
	if err != nil {
		return err
	}
	c.session = s
	slog.Debug("secure channel open", "level", level.String())
	return nil
}

// CloseSecureChannel forgets the session keys. The card keeps its side until
// the next SELECT.
func (c *Client) CloseSecureChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSession()
}

func (c *Client) closeSession() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

// SecureChannelOpen reports whether commands are currently wrapped.
func (c *Client) SecureChannelOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.IsOpen()
}

// exchange sends cmd, through the secure channel when one is open, and
// returns the response data or an *apdu.SWError.
func (c *Client) exchange(cmd apdu.Command) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeLocked(cmd)
}

func (c *Client) exchangeLocked(cmd apdu.Command) ([]byte, error) {
	var (
		resp apdu.Response
		err  error
	)
	if c.session != nil && c.session.IsOpen() {
		resp, err = c.session.Transmit(cmd)
	} else {
		resp, err = apdu.Exchange(c.card, cmd)
	}
	if err != nil {
		return nil, err
	}
	return apdu.Check(cmd.INS, resp)
}

func (c *Client) command(ins applet.Instruction, data []byte) ([]byte, error) {
	return c.exchange(apdu.Command{INS: byte(ins), Data: data, Ne: apdu.MaxShortNe})
}

func (c *Client) commandP1(ins applet.Instruction, p1 byte, data []byte) ([]byte, error) {
	return c.exchange(apdu.Command{INS: byte(ins), P1: p1, Data: data, Ne: apdu.MaxShortNe})
}

func (c *Client) provisioning(ins applet.Instruction, data []byte) error {
	if !c.SecureChannelOpen() {
		return ErrNoSecureChannel
	}
	_, err := c.exchange(apdu.Command{CLA: scp03.CLAGlobalPlatform, INS: byte(ins), Data: data})
	return err
}

func expectLen(what string, b []byte, n int) error {
	if len(b) != n {
		return fmt.Errorf("%s: got %d bytes, want %d", what, len(b), n)
	}
	return nil
}

// Select selects the application. The card drops PIN validation and any
// secure channel, so the client closes its session too.
func (c *Client) Select() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSession()
	_, err := c.exchangeLocked(apdu.Command{INS: 0xA4, P1: 0x04, Data: AID})
	return err
}

func (c *Client) Nop() error {
	_, err := c.command(applet.INSNop, nil)
	return err
}

// Initialize generates the card identity and key pairs. It fails with
// 0x6686 on a card that was already initialized.
func (c *Client) Initialize(seed []byte) error {
	_, err := c.command(applet.INSInitialize, seed)
	return err
}

// IsAlive reports false once the card was terminated.
func (c *Client) IsAlive() (bool, error) {
	_, err := c.command(applet.INSIsCardAlive, nil)
	if err == nil {
		return true, nil
	}
	if apdu.IsLifecycleError(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) Balance() (uint64, error) {
	b, err := c.command(applet.INSGetBalance, nil)
	if err != nil {
		return 0, err
	}
	if err := expectLen("balance", b, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *Client) AccountID() (uuid.UUID, error) {
	b, err := c.command(applet.INSGetAccountID, nil)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(b)
}

// UserData is the GET_USER_DATA response.
type UserData struct {
	AccountID uuid.UUID
	CardID    uuid.UUID
	FullName  string
}

func (c *Client) UserData() (*UserData, error) {
	b, err := c.command(applet.INSGetUserData, nil)
	if err != nil {
		return nil, err
	}
	if len(b) < 32 {
		return nil, fmt.Errorf("user data: got %d bytes, want at least 32", len(b))
	}
	u := &UserData{FullName: string(b[32:])}
	copy(u.AccountID[:], b[:16])
	copy(u.CardID[:], b[16:32])
	return u, nil
}

func (c *Client) FullName() (string, error) {
	b, err := c.command(applet.INSGetFullName, nil)
	return string(b), err
}

func (c *Client) SetFullName(name string) error {
	_, err := c.command(applet.INSSetFullName, []byte(name))
	return err
}

func (c *Client) Gender() (string, error) {
	b, err := c.command(applet.INSGetGender, nil)
	return string(b), err
}

func (c *Client) SetGender(g string) error {
	_, err := c.command(applet.INSSetGender, []byte(g))
	return err
}

// ECPublicKey returns the card's uncompressed P-256 public key.
func (c *Client) ECPublicKey() ([]byte, error) {
	b, err := c.command(applet.INSGetECPubKey, nil)
	if err != nil {
		return nil, err
	}
	if err := expectLen("EC public key", b, transfer.PubKeyLen); err != nil {
		return nil, err
	}
	return b, nil
}

// RSAPublicKey returns the card's RSA key used to wrap master PIN updates.
func (c *Client) RSAPublicKey() (*rsa.PublicKey, error) {
	b, err := c.command(applet.INSGetRSAPubKey, nil)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(b)
	if n.Sign() == 0 {
		return nil, fmt.Errorf("card has no RSA key; run initialize first")
	}
	return &rsa.PublicKey{N: n, E: 65537}, nil
}

// VerifyPIN checks the master (applet.PINMaster) or user (applet.PINUser)
// PIN. Failures carry the remaining tries; see apdu.PINTriesRemaining.
func (c *Client) VerifyPIN(ref byte, pin []byte) error {
	_, err := c.exchange(apdu.Command{INS: byte(applet.INSVerifyPIN), P2: ref, Data: pin})
	return err
}

// UpdateUserPIN needs the master PIN verified in this session.
func (c *Client) UpdateUserPIN(pin []byte) error {
	_, err := c.command(applet.INSUpdateUserPIN, pin)
	return err
}

// UpdateMasterPIN sends RSA-PKCS1(nonce || PIN) and the master signature
// over the ciphertext.
func (c *Client) UpdateMasterPIN(ciphertext, sig []byte) error {
	data := make([]byte, 0, len(ciphertext)+len(sig))
	data = append(data, ciphertext...)
	_, err := c.command(applet.INSUpdateMasterPIN, append(data, sig...))
	return err
}

// SignTransfer asks the card to debit itself. A pin of 0000 requests a
// PIN-less transfer.
func (c *Client) SignTransfer(pin []byte, s transfer.Signable) (transfer.Tail, error) {
	data := make([]byte, 0, len(pin)+transfer.SignableLen)
	data = append(data, pin...)
	b, err := c.command(applet.INSSignTransfer, append(data, s[:]...))
	if err != nil {
		return transfer.Tail{}, err
	}
	return transfer.ParseTail(b)
}

// VerifyTransfer credits the card with a transfer signed elsewhere. Both
// phases run back to back.
func (c *Client) VerifyTransfer(s transfer.Signable, t transfer.Tail) error {
	tail, err := t.Encode()
	if err != nil {
		return err
	}
	if _, err := c.commandP1(applet.INSVerifyTransfer, applet.VerifyPhaseSignable, s[:]); err != nil {
		return err
	}
	_, err = c.commandP1(applet.INSVerifyTransfer, applet.VerifyPhaseTail, tail)
	return err
}

// SignAuth signs accountId || challenge with the card key.
func (c *Client) SignAuth(challenge []byte) ([]byte, error) {
	return c.command(applet.INSSignAuth, challenge)
}

// CardNonce fetches a single-use nonce for SET_CARD_DATA or a master PIN
// update.
func (c *Client) CardNonce() ([4]byte, error) {
	var n [4]byte
	b, err := c.command(applet.INSGetCardNonce, nil)
	if err != nil {
		return n, err
	}
	if err := expectLen("nonce", b, 4); err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

// SetCardData sends a CardData body and the master signature over it.
func (c *Client) SetCardData(body, sig []byte) error {
	data := make([]byte, 0, len(body)+len(sig))
	data = append(data, body...)
	_, err := c.command(applet.INSSetCardData, append(data, sig...))
	return err
}

// Counters are the card's replay counters.
type Counters struct {
	SentOffline int32
	SeenOffline int32
	Remote      int32
}

func (c *Client) OfflineCounters() (Counters, error) {
	b, err := c.command(applet.INSGetOfflineCounters, nil)
	if err != nil {
		return Counters{}, err
	}
	if err := expectLen("counters", b, 12); err != nil {
		return Counters{}, err
	}
	return Counters{
		SentOffline: int32(binary.BigEndian.Uint32(b[0:])),
		SeenOffline: int32(binary.BigEndian.Uint32(b[4:])),
		Remote:      int32(binary.BigEndian.Uint32(b[8:])),
	}, nil
}

// HashBatch returns up to seven record hashes starting at index start.
func (c *Client) HashBatch(start byte) ([][transfer.HashLen]byte, error) {
	b, err := c.commandP1(applet.INSGetHashBatch, start, nil)
	if err != nil {
		return nil, err
	}
	if len(b)%transfer.HashLen != 0 {
		return nil, fmt.Errorf("hash batch: %d bytes is not a multiple of %d", len(b), transfer.HashLen)
	}
	out := make([][transfer.HashLen]byte, len(b)/transfer.HashLen)
	for i := range out {
		copy(out[i][:], b[i*transfer.HashLen:])
	}
	return out, nil
}

// Hashes pages through the whole repository.
func (c *Client) Hashes() ([][transfer.HashLen]byte, error) {
	var all [][transfer.HashLen]byte
	for {
		batch, err := c.HashBatch(byte(len(all)))
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < applet.HashBatchSize || len(all) >= applet.RepositoryCapacity {
			return all, nil
		}
	}
}

// Transfer returns record i with its recomputed hash.
func (c *Client) Transfer(i byte) (transfer.Hashable, error) {
	b, err := c.commandP1(applet.INSGetTransfer, i, nil)
	if err != nil {
		return transfer.Hashable{}, err
	}
	return transfer.ParseHashable(b)
}

// DeleteTransfer frees a synced record. sig is the master signature over
// the hash.
func (c *Client) DeleteTransfer(hash [transfer.HashLen]byte, sig []byte) error {
	_, err := c.command(applet.INSDeleteTransfer, append(hash[:], sig...))
	return err
}

// DeleteLUKs drops every LUK. sig is the master signature over
// cardId || "LUK".
func (c *Client) DeleteLUKs(sig []byte) error {
	_, err := c.command(applet.INSDeleteLUKs, sig)
	return err
}

// Suicide terminates the card permanently. sig is the master signature over
// the card ID.
func (c *Client) Suicide(sig []byte) error {
	_, err := c.command(applet.INSSuicide, sig)
	return err
}

// Version is the GET_VERSION response.
type Version struct {
	Major, Minor, RevCount uint16
	GitHash                string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.RevCount, v.GitHash)
}

func (c *Client) Version() (Version, error) {
	b, err := c.command(applet.INSGetVersion, nil)
	if err != nil {
		return Version{}, err
	}
	if len(b) < 6 {
		return Version{}, fmt.Errorf("version: got %d bytes, want at least 6", len(b))
	}
	return Version{
		Major:    binary.BigEndian.Uint16(b[0:]),
		Minor:    binary.BigEndian.Uint16(b[2:]),
		RevCount: binary.BigEndian.Uint16(b[4:]),
		GitHash:  string(b[6:]),
	}, nil
}

// ProvisionPIN sets a PIN without the old value. Secure channel only.
func (c *Client) ProvisionPIN(ref byte, pin []byte) error {
	data := make([]byte, 0, 2+len(pin))
	data = append(data, ref, byte(len(pin)))
	return c.provisioning(applet.INSProvisionPIN, append(data, pin...))
}

func (c *Client) appletUpdate(seq uint16, body []byte) error {
	data := binary.BigEndian.AppendUint16(nil, seq)
	data = binary.BigEndian.AppendUint16(data, uint16(len(body)))
	return c.provisioning(applet.INSAppletUpdate, append(data, body...))
}

// RotateKeys replaces the card's SCP03 static keys. The current session
// stays valid; the next handshake must use keys.
func (c *Client) RotateKeys(keys scp03.StaticKeys) error {
	return c.appletUpdate(applet.UpdateRotateKeys, keys.Bytes())
}

// SetMasterPublicKey installs the program key.
func (c *Client) SetMasterPublicKey(pub *ecdsa.PublicKey) error {
	return c.appletUpdate(applet.UpdateMasterKey, transfer.MarshalPublicKey(pub))
}

// SetLUKLimit sets the per-transfer offline spending limit.
func (c *Client) SetLUKLimit(limit uint64) error {
	a := transfer.AmountFromUint64(limit)
	return c.appletUpdate(applet.UpdateLUKLimit, a[:])
}

// LoadLUK installs one limited-use key. sig is the master signature over
// the public key.
func (c *Client) LoadLUK(priv *ecdsa.PrivateKey, sig []byte) error {
	body := transfer.Scalar(priv)
	body = append(body, transfer.MarshalPublicKey(&priv.PublicKey)...)
	return c.appletUpdate(applet.UpdateLoadLUK, append(body, sig...))
}
