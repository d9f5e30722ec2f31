package applet

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

// signTransfer debits the card. The command is PIN(4) || signable(60) and
// the response is sig(72) || pubKey(65) || pubKeySig(72).
//
// A zero counter is an online transfer signed with the card key. A
// positive counter is an offline transfer signed with the current LUK,
// which is spent by the transfer.
func (a *Applet) signTransfer(cmd apdu.Command) ([]byte, error) {
	if len(cmd.Data) != UserPINLength+transfer.SignableLen {
		return nil, apdu.Status(apdu.SWWrongSignableLength)
	}
	pin := cmd.Data[:UserPINLength]
	s, err := transfer.ParseSignable(cmd.Data[UserPINLength:])
	if err != nil {
		return nil, apdu.Status(apdu.SWWrongSignableLength)
	}
	amount := s.Amount()

	pinless := bytes.Equal(pin, pinlessPIN)
	if pinless {
		if amount.Cmp(transfer.AmountFromUint64(pinlessLimit)) > 0 || a.durable.PINlessCount >= maxPINlessTransfers {
			return nil, apdu.Status(apdu.SWPINRequired)
		}
	} else if err := a.checkPIN(PINUser, pin); err != nil {
		return nil, err
	}

	d := a.durable
	if len(d.Repository) >= RepositoryCapacity {
		return nil, apdu.Status(apdu.SWNotEnoughMemory)
	}
	if s.Sender() != d.AccountID {
		return nil, apdu.Status(apdu.SWWrongSender)
	}
	if s.Recipient() == d.AccountID {
		return nil, apdu.Status(apdu.SWWrongRecipient)
	}
	if amount.Cmp(d.Balance) > 0 {
		return nil, apdu.Status(apdu.SWInsufficientFunds)
	}
	counter := s.Counter()
	if counter.IsNegative() {
		return nil, apdu.Status(apdu.SWTransferCounterInvalid)
	}

	var (
		key       *ecdsa.PrivateKey
		pubKey    []byte
		pubKeySig []byte
		lukIndex  = d.LUKIndex
	)
	if counter.IsPositive() {
		if err := a.checkLUKLimit(amount); err != nil {
			return nil, err
		}
		if lukIndex >= len(d.LUKs) || !d.LUKs[lukIndex].Valid {
			return nil, apdu.Status(apdu.SWLUKMissing)
		}
		luk := d.LUKs[lukIndex]
		if key, err = transfer.PrivateKeyFromScalar(luk.Private); err != nil {
			return nil, apdu.Status(apdu.SWInitSigner)
		}
		pubKey, pubKeySig = luk.PublicKey, luk.Sig
	} else {
		if key, err = a.cardKey(); err != nil {
			return nil, err
		}
		pubKey, pubKeySig = transfer.MarshalPublicKey(&key.PublicKey), transfer.DERZeroSignature
	}

	sig, err := a.sign(key, s[:])
	if err != nil {
		return nil, err
	}
	h, err := transfer.MakeHashable(s, sig, pubKey, pubKeySig)
	if err != nil {
		return nil, fmt.Errorf("hash transfer: %w", err)
	}
	tail, err := transfer.Tail{Sig: sig, PubKey: pubKey, PubKeySig: pubKeySig}.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}

	err = a.update(func(d *Durable) error {
		balance, borrow := d.Balance.Sub(amount)
		if borrow {
			return apdu.Status(apdu.SWInsufficientFunds)
		}
		d.Balance = balance
		d.Repository = append(d.Repository, Record{Hash: h.Hash, Contents: h.Contents})
		if counter.IsPositive() {
			d.LUKs[lukIndex].Valid = false
			if d.LUKIndex < MaxLUKs-1 {
				d.LUKIndex++
			}
		}
		if pinless {
			d.PINlessCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("transfer signed",
		"amount", amount.Uint64(),
		"counter", counter.Int32(),
		"pinless", pinless,
		"hash", fmt.Sprintf("%X", h.Hash[:8]))
	return tail, nil
}

// checkLUKLimit rejects offline amounts above the per-transfer limit.
func (a *Applet) checkLUKLimit(amount transfer.Amount) error {
	if amount.Cmp(a.durable.LUKLimit) > 0 {
		return apdu.Status(apdu.SWInsufficientLUKLimit)
	}
	return nil
}

// verifyTransfer credits the card in two phases. P1=0 carries the 60-byte
// signable, P1=1 the sender's tail.
func (a *Applet) verifyTransfer(cmd apdu.Command) ([]byte, error) {
	switch cmd.P1 {
	case VerifyPhaseSignable:
		s, err := transfer.ParseSignable(cmd.Data)
		if err != nil {
			return nil, apdu.Status(apdu.SWWrongSignableLength)
		}
		a.scratch.Signable = &s
		return nil, nil
	case VerifyPhaseTail:
		return nil, a.receive(cmd.Data)
	default:
		return nil, apdu.Status(apdu.SWIncorrectP1P2)
	}
}

func (a *Applet) receive(tailBytes []byte) error {
	if len(tailBytes) != transfer.TailLen {
		return apdu.Status(apdu.SWWrongTailLength)
	}
	if a.scratch.Signable == nil {
		return apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	s := *a.scratch.Signable
	d := a.durable
	if len(d.Repository) >= RepositoryCapacity {
		return apdu.Status(apdu.SWNotEnoughMemory)
	}

	pubBytes := tailBytes[transfer.MaxSigLen : transfer.MaxSigLen+transfer.PubKeyLen]
	pub, err := transfer.ParsePublicKey(pubBytes)
	if err != nil {
		return apdu.Status(apdu.SWSignatureVerificationFailed)
	}
	sig, ok := derPrefix(tailBytes[:transfer.MaxSigLen])
	if !ok || !transfer.Verify(pub, s[:], sig) {
		slog.Warn("incoming transfer signature rejected")
		return apdu.Status(apdu.SWSignatureVerificationFailed)
	}

	if s.Sender() == d.AccountID {
		return apdu.Status(apdu.SWWrongSender)
	}
	if s.Recipient() != d.AccountID {
		return apdu.Status(apdu.SWWrongRecipient)
	}
	counter := s.Counter()
	if !a.counterAcceptable(counter) {
		return apdu.Status(apdu.SWTransferCounterInvalid)
	}
	amount := s.Amount()

	var h transfer.Hashable
	if counter.IsPositive() {
		pubKeySig, ok := derPrefix(tailBytes[transfer.MaxSigLen+transfer.PubKeyLen:])
		if !ok || !a.verifyMaster(pubBytes, pubKeySig) {
			slog.Warn("incoming LUK not endorsed by master key")
			return apdu.Status(apdu.SWSignatureVerificationFailed)
		}
		if err := a.checkLUKLimit(amount); err != nil {
			return err
		}
		if h, err = transfer.MakeHashable(s, sig, pubBytes, pubKeySig); err != nil {
			return apdu.Status(apdu.SWSignatureVerificationFailed)
		}
	}

	err = a.update(func(d *Durable) error {
		balance, overflow := d.Balance.Add(amount)
		if overflow {
			return apdu.Status(apdu.SWBalanceOverflow)
		}
		d.Balance = balance
		if counter.IsPositive() {
			d.Repository = append(d.Repository, Record{Hash: h.Hash, Contents: h.Contents})
			d.SeenOfflineCounter = counter
		} else {
			d.RemoteCounter = counter
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.scratch.Signable = nil
	slog.Info("transfer received", "amount", amount.Uint64(), "counter", counter.Int32())
	return nil
}

// counterAcceptable applies the replay rules. Remote credits must continue
// the negative sequence -1, -2, ... exactly. Offline credits must be newer
// than the last one seen and within the range the issuer granted.
func (a *Applet) counterAcceptable(c transfer.Counter) bool {
	d := a.durable
	switch {
	case c.IsZero():
		return false
	case c.IsNegative():
		return c.Inc() == d.RemoteCounter
	default:
		return c.LessOrEqual(d.SentOfflineCounter) && !c.LessOrEqual(d.SeenOfflineCounter)
	}
}
