package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/impalacard/impalactl/internal/config"
	"github.com/barnettlynn/impalacard/internal/logging"
	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/impala"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

type app struct {
	configPath string
	verbose    bool
	logFormat  string

	cfg *config.Config

	// openCard is replaced in tests.
	openCard func(ctx context.Context, cfg *config.Config) (apdu.Card, io.Closer, error)
}

func newRootCommand() *cobra.Command {
	return (&app{openCard: openTransport}).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "impalactl",
		Short:         "Inspect, provision and transact with Impala cards",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Setup(os.Stderr, a.logFormat, a.verbose); err != nil {
				return err
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "path to config YAML")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", logging.FormatText, "log format: text, json or dev")

	root.AddCommand(
		a.readersCommand(),
		a.initCommand(),
		a.infoCommand(),
		a.balanceCommand(),
		a.verifyPINCommand(),
		a.setUserPINCommand(),
		a.transferCommand(),
		a.receiveCommand(),
		a.creditCommand(),
		a.fundCommand(),
		a.provisionPINCommand(),
		a.rotateKeysCommand(),
		a.loadLUKsCommand(),
		a.syncCommand(),
	)
	return root
}

func openTransport(ctx context.Context, cfg *config.Config) (apdu.Card, io.Closer, error) {
	if cfg.Transport.Address != "" {
		slog.Debug("dialing emulator", "address", cfg.Transport.Address)
		c, err := apdu.DialTCP(ctx, cfg.Transport.Address)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	var conn *apdu.Connection
	var err error
	if cfg.Transport.ReaderName != "" {
		conn, err = apdu.ConnectReader(cfg.Transport.ReaderName)
	} else {
		conn, err = apdu.Connect(*cfg.Transport.ReaderIndex)
	}
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("connected to reader", "reader", conn.Reader, "index", conn.ReaderIdx)
	return conn, conn, nil
}

// withCard connects, selects the application and runs fn.
func (a *app) withCard(cmd *cobra.Command, fn func(*impala.Client) error) error {
	card, closer, err := a.openCard(cmd.Context(), a.cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	client := impala.New(card)
	if err := client.Select(); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	return fn(client)
}

// withSecureCard is withCard plus an SCP03 session using the configured
// keys and security level.
func (a *app) withSecureCard(cmd *cobra.Command, fn func(*impala.Client) error) error {
	keys, err := a.cfg.StaticKeys()
	if err != nil {
		return err
	}
	level, err := a.cfg.Level()
	if err != nil {
		return err
	}
	return a.withCard(cmd, func(c *impala.Client) error {
		if err := c.OpenSecureChannel(keys, level); err != nil {
			return fmt.Errorf("open secure channel: %w", err)
		}
		defer c.CloseSecureChannel()
		return fn(c)
	})
}

func (a *app) issuer() (*impala.Issuer, error) {
	if a.cfg.Keys.MasterPrivateKeyFile == "" {
		return nil, fmt.Errorf("config.keys.master_private_key_file is required for this command")
	}
	key, err := transfer.LoadPrivateKeyFile(a.cfg.Keys.MasterPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	return impala.NewIssuer(key), nil
}

func issuerKey(i *impala.Issuer) (*ecdsa.PublicKey, error) {
	return transfer.ParsePublicKey(i.PublicKey())
}
