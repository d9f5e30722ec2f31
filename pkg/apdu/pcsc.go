package apdu

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ebfe/scard"
)

// Connection is a PC/SC reader slot holding an Impala card.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
	ATR       []byte
}

// ListReaders returns the names of the PC/SC readers currently attached.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect opens the card in the reader at readerIndex (0-based) in shared
// mode.
func Connect(readerIndex int) (*Connection, error) {
	return connect(func(readers []string) (int, error) {
		if readerIndex < 0 || readerIndex >= len(readers) {
			return 0, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
		}
		return readerIndex, nil
	})
}

// ConnectReader opens the card in the first reader whose name contains
// substr, case-insensitively.
func ConnectReader(substr string) (*Connection, error) {
	return connect(func(readers []string) (int, error) {
		for i, r := range readers {
			if strings.Contains(strings.ToLower(r), strings.ToLower(substr)) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("no reader matching %q among %d readers", substr, len(readers))
	})
}

func connect(pick func([]string) (int, error)) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err == nil && len(readers) == 0 {
		err = errors.New("empty reader list")
	}
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("no readers found: %w", err)
	}
	idx, err := pick(readers)
	if err != nil {
		_ = ctx.Release()
		return nil, err
	}

	card, err := ctx.Connect(readers[idx], scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("connect %s: %w", readers[idx], err)
	}
	c := &Connection{ctx: ctx, Card: card, Reader: readers[idx], ReaderIdx: idx}
	if st, err := card.Status(); err == nil {
		c.ATR = st.Atr
	}
	slog.Debug("card connected", "reader", c.Reader, "atr", hexUpper(c.ATR))
	return c, nil
}

// Close resets the card, which deselects the applet and tears down any
// secure channel, then releases the PC/SC context.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var err error
	if c.Card != nil {
		err = c.Card.Disconnect(scard.ResetCard)
	}
	if c.ctx != nil {
		if rerr := c.ctx.Release(); err == nil {
			err = rerr
		}
	}
	return err
}

// Transmit implements Card.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, errors.New("connection not established")
	}
	return c.Card.Transmit(apdu)
}
