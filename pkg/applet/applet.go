// Package applet implements the Impala payment card: the APDU dispatcher,
// the balance ledger with online and offline transfers, PIN handling and
// the SCP03-protected provisioning commands.
package applet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/scp03"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

// Applet is one card instance. Process handles a single APDU at a time and
// is not safe for concurrent use; transports serialize access.
type Applet struct {
	store   Store
	durable *Durable
	scratch Scratch
	channel *scp03.Channel
	rand    io.Reader

	staticKeys *scp03.StaticKeys
	masterKey  []byte
	lukLimit   *uint64
}

// Option configures New.
type Option func(*Applet)

// WithRand sets the randomness source for identifiers, nonces, challenges
// and key generation.
func WithRand(r io.Reader) Option {
	return func(a *Applet) { a.rand = r }
}

// WithStaticKeys sets the SCP03 key set of a fresh card. A card that was
// already provisioned keeps its stored keys.
func WithStaticKeys(k scp03.StaticKeys) Option {
	return func(a *Applet) { a.staticKeys = &k }
}

// WithMasterPublicKey installs the program key that endorses card data,
// LUKs and administrative commands.
func WithMasterPublicKey(pub []byte) Option {
	return func(a *Applet) { a.masterKey = append([]byte(nil), pub...) }
}

// WithLUKLimit sets the per-transfer offline spending limit.
func WithLUKLimit(limit uint64) Option {
	return func(a *Applet) { a.lukLimit = &limit }
}

// New loads the card from store, creating a fresh card on first use.
func New(store Store, opts ...Option) (*Applet, error) {
	a := &Applet{store: store, rand: rand.Reader}
	for _, opt := range opts {
		opt(a)
	}

	d, err := store.Load()
	if err != nil {
		return nil, err
	}
	if d == nil {
		if d, err = a.fresh(); err != nil {
			return nil, err
		}
		if err := store.Commit(d); err != nil {
			return nil, fmt.Errorf("commit fresh card: %w", err)
		}
		slog.Info("created fresh card", "card_id", fmt.Sprintf("%X", d.CardID))
	}
	a.durable = d

	if a.masterKey != nil || a.lukLimit != nil {
		if a.masterKey != nil {
			if _, err := transfer.ParsePublicKey(a.masterKey); err != nil {
				return nil, fmt.Errorf("master public key: %w", err)
			}
		}
		err := a.update(func(d *Durable) error {
			if a.masterKey != nil {
				d.MasterPublicKey = a.masterKey
			}
			if a.lukLimit != nil {
				d.LUKLimit = transfer.AmountFromUint64(*a.lukLimit)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	keys, err := scp03.ParseStaticKeys(a.durable.StaticKeys)
	if err != nil {
		return nil, fmt.Errorf("stored static keys: %w", err)
	}
	a.channel = scp03.NewChannel(keys, a.rand)
	return a, nil
}

func (a *Applet) fresh() (*Durable, error) {
	d := &Durable{}
	if _, err := io.ReadFull(a.rand, d.CardID[:]); err != nil {
		return nil, err
	}
	var err error
	if d.MasterPIN, err = newPIN(defaultMasterPIN, MasterPINTries, a.rand); err != nil {
		return nil, err
	}
	if d.UserPIN, err = newPIN(defaultUserPIN, UserPINTries, a.rand); err != nil {
		return nil, err
	}
	keys := scp03.DefaultKeys()
	if a.staticKeys != nil {
		keys = *a.staticKeys
	}
	d.StaticKeys = keys.Bytes()
	return d, nil
}

// Process handles one command APDU and returns the response APDU.
func (a *Applet) Process(raw []byte) []byte {
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		slog.Debug("malformed command", "error", err)
		return apdu.NewResponse(nil, apdu.SWWrongLength).Bytes()
	}
	slog.Debug("card command", "cla", fmt.Sprintf("0x%02X", cmd.CLA), "ins", Instruction(cmd.INS).String(), "lc", len(cmd.Data))

	switch {
	case cmd.INS == insSelect && cmd.CLA == 0x00:
		a.Deselect()
		return apdu.NewResponse(nil, apdu.SWSuccess).Bytes()

	case cmd.CLA == scp03.CLAGlobalPlatform:
		data, err := a.processGlobalPlatform(cmd)
		return a.respond(cmd.INS, data, err, false)

	case cmd.CLA&claSecureMessaging != 0 && cmd.CLA != scp03.CLASecure && a.channel.Authenticated():
		// Secure messaging indicated under an unknown class: the C-MAC
		// cannot be checked, so the session ends.
		slog.Warn("secure channel command rejected", "cla", fmt.Sprintf("0x%02X", cmd.CLA), "ins", Instruction(cmd.INS).String())
		a.channel.Reset()
		return apdu.NewResponse(nil, apdu.SWMACVerificationFailed).Bytes()

	case cmd.CLA == scp03.CLASecure:
		if cmd.INS == scp03.INSInitializeUpdate || cmd.INS == scp03.INSExternalAuthenticate {
			data, err := a.processGlobalPlatform(cmd)
			return a.respond(cmd.INS, data, err, false)
		}
		plain, err := a.channel.UnwrapCommand(cmd)
		if err != nil {
			if apdu.IsAuthError(err) {
				slog.Warn("secure channel command rejected", "ins", Instruction(cmd.INS).String(), "error", err)
			}
			return a.respond(cmd.INS, nil, err, true)
		}
		var data []byte
		switch plain.INS {
		case insProvisionPIN, insAppletUpdate:
			data, err = a.processProvisioning(plain)
		default:
			data, err = a.dispatch(plain)
		}
		return a.respond(cmd.INS, data, err, true)

	default:
		data, err := a.dispatch(cmd)
		return a.respond(cmd.INS, data, err, false)
	}
}

func (a *Applet) dispatch(cmd apdu.Command) ([]byte, error) {
	h, ok := handlers[Instruction(cmd.INS)]
	if !ok {
		return nil, apdu.Status(apdu.SWINSNotSupported)
	}
	if h.mutating && a.durable.Terminated {
		return nil, apdu.Status(apdu.SWCardTerminated)
	}
	return h.fn(a, cmd)
}

// respond turns a handler result into a response APDU. Status word errors
// pass through; anything else is an internal failure.
func (a *Applet) respond(ins byte, data []byte, err error, secured bool) []byte {
	sw := uint16(apdu.SWSuccess)
	if err != nil {
		data = nil
		var swErr *apdu.SWError
		if errors.As(err, &swErr) {
			sw = swErr.SW
		} else {
			slog.Error("card command failed", "ins", Instruction(ins).String(), "error", err)
			sw = apdu.SWUnknown
		}
	}
	if secured && a.channel.Authenticated() {
		data = a.channel.WrapResponse(data, sw)
	}
	return apdu.NewResponse(data, sw).Bytes()
}

// update applies fn to a copy of the durable state and commits it. The live
// state changes only after the store accepted the new snapshot.
func (a *Applet) update(fn func(d *Durable) error) error {
	next, err := a.durable.Clone()
	if err != nil {
		return err
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := a.store.Commit(next); err != nil {
		return fmt.Errorf("commit card state: %w", err)
	}
	a.durable = next
	return nil
}

// Deselect ends the card session: PIN validation, the secure channel and
// the cached signable of a two-phase verify are dropped.
func (a *Applet) Deselect() {
	a.scratch = Scratch{}
	a.channel.Reset()
}

// Snapshot returns a copy of the durable state.
func (a *Applet) Snapshot() (*Durable, error) {
	return a.durable.Clone()
}

// SecureChannel exposes the card side of the SCP03 channel.
func (a *Applet) SecureChannel() *scp03.Channel { return a.channel }

// Close releases the store.
func (a *Applet) Close() error { return a.store.Close() }
