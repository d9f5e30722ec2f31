package applet

import (
	"bytes"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

// getHashBatch returns up to HashBatchSize record hashes starting at P1.
func (a *Applet) getHashBatch(cmd apdu.Command) ([]byte, error) {
	repo := a.durable.Repository
	start := int(cmd.P1)
	if start > len(repo) {
		return nil, apdu.Status(apdu.SWDataNotFound)
	}
	end := min(start+HashBatchSize, len(repo))
	out := make([]byte, 0, (end-start)*transfer.HashLen)
	for _, r := range repo[start:end] {
		out = append(out, r.Hash[:]...)
	}
	return out, nil
}

// getTransfer returns the hashed contents of record P1.
func (a *Applet) getTransfer(cmd apdu.Command) ([]byte, error) {
	i := int(cmd.P1)
	if i >= len(a.durable.Repository) {
		return nil, apdu.Status(apdu.SWDataNotFound)
	}
	return clone(a.durable.Repository[i].Contents[:]), nil
}

// deleteTransfer removes a synced record. The command is hash(32) || DER
// master signature over the hash.
func (a *Applet) deleteTransfer(cmd apdu.Command) ([]byte, error) {
	if len(cmd.Data) <= transfer.HashLen {
		return nil, apdu.Status(apdu.SWWrongLength)
	}
	hash := cmd.Data[:transfer.HashLen]
	if !a.verifyMaster(hash, cmd.Data[transfer.HashLen:]) {
		return nil, apdu.Status(apdu.SWSignatureVerificationFailed)
	}
	idx := -1
	for i, r := range a.durable.Repository {
		if bytes.Equal(r.Hash[:], hash) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apdu.Status(apdu.SWDataNotFound)
	}
	err := a.update(func(d *Durable) error {
		d.Repository = append(d.Repository[:idx], d.Repository[idx+1:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("transfer record deleted", "index", idx, "remaining", len(a.durable.Repository))
	return nil, nil
}
