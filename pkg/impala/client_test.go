package impala_test

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/applet"
	"github.com/barnettlynn/impalacard/pkg/impala"
	"github.com/barnettlynn/impalacard/pkg/scp03"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

type fixture struct {
	card   *applet.Applet
	client *impala.Client
	issuer *impala.Issuer
}

func newFixture(t *testing.T, issuer *impala.Issuer) *fixture {
	t.Helper()
	card, err := applet.New(applet.NewMemoryStore(),
		applet.WithMasterPublicKey(issuer.PublicKey()),
		applet.WithLUKLimit(1000))
	require.NoError(t, err)
	client := impala.New(apdu.CardFunc(func(b []byte) ([]byte, error) {
		return card.Process(b), nil
	}))
	require.NoError(t, client.Select())
	require.NoError(t, client.Initialize(nil))
	return &fixture{card: card, client: client, issuer: issuer}
}

func newIssuer(t *testing.T) *impala.Issuer {
	t.Helper()
	k, err := ecdsa.GenerateKey(transfer.Curve(), rand.Reader)
	require.NoError(t, err)
	return impala.NewIssuer(k)
}

func (f *fixture) fund(t *testing.T, account uuid.UUID, balance uint64, sent int32) {
	t.Helper()
	nonce, err := f.client.CardNonce()
	require.NoError(t, err)
	ud, err := f.client.UserData()
	require.NoError(t, err)
	body, sig, err := f.issuer.CardData(impala.CardData{
		AccountID:          account,
		CardID:             ud.CardID,
		Nonce:              nonce,
		Currency:           [4]byte{'E', 'U', 'R'},
		Balance:            balance,
		SentOfflineCounter: sent,
	})
	require.NoError(t, err)
	require.NoError(t, f.client.SetCardData(body, sig))
}

func signable(from, to uuid.UUID, amount uint32, counter int32) transfer.Signable {
	return transfer.Fields{
		DateTime:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Sender:    from,
		Recipient: to,
		Currency:  [4]byte{'E', 'U', 'R'},
		Amount:    amount,
		Counter:   counter,
	}.Encode()
}

func TestClientOnlineTransfer(t *testing.T) {
	issuer := newIssuer(t)
	alice, bob := uuid.New(), uuid.New()
	a := newFixture(t, issuer)
	a.fund(t, alice, 500, 0)
	b := newFixture(t, issuer)
	b.fund(t, bob, 0, 0)

	id, err := a.client.AccountID()
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	s := signable(alice, bob, 120, 0)
	tail, err := a.client.SignTransfer([]byte{1, 1, 1, 1}, s)
	require.NoError(t, err)
	bal, err := a.client.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(380), bal)

	hashes, err := a.client.Hashes()
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	rec, err := a.client.Transfer(0)
	require.NoError(t, err)
	assert.Equal(t, hashes[0], rec.Hash)
	assert.Equal(t, s, rec.Signable())

	cardPub, err := a.client.ECPublicKey()
	require.NoError(t, err)
	assert.Equal(t, cardPub, tail.PubKey)

	credit := signable(alice, bob, 120, -1)
	relay, err := issuer.RemoteCredit(credit)
	require.NoError(t, err)
	require.NoError(t, b.client.VerifyTransfer(credit, relay))
	bal, err = b.client.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(120), bal)

	counters, err := b.client.OfflineCounters()
	require.NoError(t, err)
	assert.Equal(t, impala.Counters{Remote: -1}, counters)

	err = b.client.VerifyTransfer(credit, relay)
	assert.True(t, apdu.IsLedgerError(err), "replayed credit: %v", err)
}

func TestClientOfflineTransfer(t *testing.T) {
	issuer := newIssuer(t)
	alice, bob := uuid.New(), uuid.New()
	a := newFixture(t, issuer)
	a.fund(t, alice, 500, 0)
	b := newFixture(t, issuer)
	b.fund(t, bob, 0, 3)

	require.NoError(t, a.client.OpenSecureChannel(scp03.DefaultKeys(), scp03.LevelFull))
	for i := 0; i < 2; i++ {
		luk, sig, err := issuer.NewLUK()
		require.NoError(t, err)
		require.NoError(t, a.client.LoadLUK(luk, sig))
	}

	for counter := int32(1); counter <= 2; counter++ {
		s := signable(alice, bob, 50, counter)
		tail, err := a.client.SignTransfer([]byte{1, 1, 1, 1}, s)
		require.NoError(t, err)
		require.NoError(t, b.client.VerifyTransfer(s, tail))
	}
	_, err := a.client.SignTransfer([]byte{1, 1, 1, 1}, signable(alice, bob, 50, 3))
	var swErr *apdu.SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(apdu.SWLUKMissing), swErr.SW)

	bal, err := b.client.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
}

func TestClientPINErrors(t *testing.T) {
	f := newFixture(t, newIssuer(t))
	err := f.client.VerifyPIN(applet.PINUser, []byte{4, 3, 2, 1})
	require.True(t, apdu.IsPINError(err))
	tries, ok := apdu.PINTriesRemaining(err)
	require.True(t, ok)
	assert.Equal(t, applet.UserPINTries-1, tries)

	assert.True(t, apdu.IsPINError(f.client.VerifyPIN(applet.PINUser, []byte{4, 3, 2, 1})))
	require.NoError(t, f.client.VerifyPIN(applet.PINUser, []byte{1, 1, 1, 1}))
}

func TestClientProvisioning(t *testing.T) {
	f := newFixture(t, newIssuer(t))
	assert.ErrorIs(t, f.client.ProvisionPIN(applet.PINUser, []byte{2, 4, 6, 8}), impala.ErrNoSecureChannel)

	require.NoError(t, f.client.OpenSecureChannel(scp03.DefaultKeys(), scp03.LevelFull))
	require.NoError(t, f.client.ProvisionPIN(applet.PINUser, []byte{2, 4, 6, 8}))
	require.NoError(t, f.client.SetLUKLimit(42))

	next := scp03.StaticKeys{ENC: [16]byte{1}, MAC: [16]byte{2}, DEK: [16]byte{3}}
	require.NoError(t, f.client.RotateKeys(next))

	require.NoError(t, f.client.Select())
	assert.False(t, f.client.SecureChannelOpen())
	err := f.client.OpenSecureChannel(scp03.DefaultKeys(), scp03.LevelFull)
	var authErr *scp03.AuthError
	require.ErrorAs(t, err, &authErr)
	require.NoError(t, f.client.OpenSecureChannel(next, scp03.CMAC|scp03.RMAC))

	require.NoError(t, f.client.VerifyPIN(applet.PINUser, []byte{2, 4, 6, 8}))
	snap, err := f.card.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.LUKLimit.Uint64())
}

func TestClientMasterPINUpdate(t *testing.T) {
	f := newFixture(t, newIssuer(t))
	key, err := f.client.RSAPublicKey()
	require.NoError(t, err)
	nonce, err := f.client.CardNonce()
	require.NoError(t, err)

	pin := []byte{3, 1, 4, 1, 5, 9, 2, 6}
	ct, sig, err := f.issuer.MasterPINUpdate(key, nonce, pin)
	require.NoError(t, err)
	require.NoError(t, f.client.UpdateMasterPIN(ct, sig))
	require.NoError(t, f.client.VerifyPIN(applet.PINMaster, pin))
	require.NoError(t, f.client.UpdateUserPIN([]byte{7, 7, 7, 7}))
}

func TestClientLifecycle(t *testing.T) {
	f := newFixture(t, newIssuer(t))
	v, err := f.client.Version()
	require.NoError(t, err)
	assert.Equal(t, applet.GitHash, v.GitHash)

	alive, err := f.client.IsAlive()
	require.NoError(t, err)
	assert.True(t, alive)

	ud, err := f.client.UserData()
	require.NoError(t, err)
	luksSig, err := f.issuer.DeleteLUKs(ud.CardID)
	require.NoError(t, err)
	require.NoError(t, f.client.DeleteLUKs(luksSig))

	sig, err := f.issuer.Sign(ud.CardID[:])
	require.NoError(t, err)
	require.NoError(t, f.client.Suicide(sig))

	alive, err = f.client.IsAlive()
	require.NoError(t, err)
	assert.False(t, alive)
	assert.True(t, apdu.IsLifecycleError(f.client.Initialize(nil)))
}

func TestClientSerializesSecureCommands(t *testing.T) {
	f := newFixture(t, newIssuer(t))
	f.fund(t, uuid.New(), 77, 0)
	require.NoError(t, f.client.OpenSecureChannel(scp03.DefaultKeys(), scp03.LevelFull))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bal, err := f.client.Balance()
			if err == nil && bal != 77 {
				err = errors.New("wrong balance")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, f.client.SecureChannelOpen())
}

func TestClientHandshakeIsNotInterleaved(t *testing.T) {
	f := newFixture(t, newIssuer(t))
	f.fund(t, uuid.New(), 5, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- f.client.OpenSecureChannel(scp03.DefaultKeys(), scp03.LevelFull)
		}()
		go func() {
			defer wg.Done()
			errs <- f.client.Select()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bal, err := f.client.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bal)
	assert.Equal(t, f.client.SecureChannelOpen(), f.card.SecureChannel().Authenticated())
}

func TestClientTransportErrorClosesSession(t *testing.T) {
	card, err := applet.New(applet.NewMemoryStore())
	require.NoError(t, err)
	var broken bool
	client := impala.New(apdu.CardFunc(func(b []byte) ([]byte, error) {
		if broken {
			return nil, errors.New("reader removed")
		}
		return card.Process(b), nil
	}))
	require.NoError(t, client.OpenSecureChannel(scp03.DefaultKeys(), scp03.LevelFull))

	broken = true
	_, err = client.Balance()
	assert.True(t, apdu.IsTransportError(err))
	assert.False(t, client.SecureChannelOpen())
}
