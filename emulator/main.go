// Command emulator runs an Impala card behind a TCP socket. Hosts reach it
// with apdu.DialTCP; each frame carries one APDU.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/barnettlynn/impalacard/emulator/internal/config"
	"github.com/barnettlynn/impalacard/internal/logging"
	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/applet"
	"github.com/barnettlynn/impalacard/pkg/scp03"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to emulator config YAML")
		verbose    = flag.Bool("v", false, "Enable debug logging")
		logFormat  = flag.String("log-format", logging.FormatText, "Log format: text, json or dev")
	)
	flag.Parse()

	if err := logging.Setup(os.Stderr, *logFormat, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("emulator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	opts, err := appletOptions(cfg)
	if err != nil {
		return err
	}

	store, err := applet.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	card, err := applet.New(store, opts...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("load card: %w", err)
	}
	defer card.Close()

	d, err := card.Snapshot()
	if err != nil {
		return err
	}
	slog.Info("card loaded",
		"store", cfg.Store.Path,
		"card_id", fmt.Sprintf("%X", d.CardID),
		"initialized", d.Initialized,
		"terminated", d.Terminated,
		"balance", d.Balance.Uint64(),
		"transfers", len(d.Repository),
	)

	ln, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening", "address", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := apdu.ServeTCP(ctx, ln, card); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

func appletOptions(cfg *config.Config) ([]applet.Option, error) {
	var opts []applet.Option
	if cfg.Keys.SCP03KeyFile != "" {
		keys, err := scp03.LoadKeyFile(cfg.Keys.SCP03KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, applet.WithStaticKeys(keys))
	}
	if cfg.Keys.MasterPublicKeyFile != "" {
		pub, err := transfer.LoadPublicKeyFile(cfg.Keys.MasterPublicKeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, applet.WithMasterPublicKey(transfer.MarshalPublicKey(pub)))
	}
	if cfg.Card.LUKLimit != nil {
		opts = append(opts, applet.WithLUKLimit(*cfg.Card.LUKLimit))
	}
	return opts, nil
}
