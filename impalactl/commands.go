package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/applet"
	"github.com/barnettlynn/impalacard/pkg/impala"
	"github.com/barnettlynn/impalacard/pkg/scp03"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

const (
	userPINLength   = 4
	masterPINLength = 8
)

func parseCurrency(s string) ([4]byte, error) {
	var c [4]byte
	if len(s) == 0 || len(s) > len(c) {
		return c, fmt.Errorf("currency must be 1 to %d characters", len(c))
	}
	copy(c[:], s)
	return c, nil
}

func formatCurrency(c [4]byte) string {
	return strings.TrimRight(string(c[:]), "\x00")
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func (a *app) initCommand() *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the card identity and key pairs (once per card)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var seedBytes []byte
			if seed != "" {
				var err error
				if seedBytes, err = hex.DecodeString(seed); err != nil {
					return fmt.Errorf("--seed: %w", err)
				}
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				if err := c.Initialize(seedBytes); err != nil {
					return err
				}
				u, err := c.UserData()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Card initialized: %s\n", u.CardID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "optional hex seed sent with INITIALIZE")
	return cmd
}

func (a *app) readersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List attached PC/SC readers",
		RunE: func(cmd *cobra.Command, args []string) error {
			readers, err := apdu.ListReaders()
			if err != nil {
				return err
			}
			for i, r := range readers {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", i, r)
			}
			return nil
		},
	}
}

func (a *app) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print card identity, version, balance and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCard(cmd, func(c *impala.Client) error {
				out := cmd.OutOrStdout()
				alive, err := c.IsAlive()
				if err != nil {
					return err
				}
				v, err := c.Version()
				if err != nil {
					return err
				}
				u, err := c.UserData()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Version:    %s\n", v)
				fmt.Fprintf(out, "Alive:      %t\n", alive)
				fmt.Fprintf(out, "Account ID: %s\n", u.AccountID)
				fmt.Fprintf(out, "Card ID:    %s\n", u.CardID)
				if u.FullName != "" {
					fmt.Fprintf(out, "Full name:  %s\n", u.FullName)
				}
				if pub, err := c.ECPublicKey(); err == nil {
					fmt.Fprintf(out, "EC key:     %s\n", hexUpper(pub))
				}
				balance, err := c.Balance()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Balance:    %d\n", balance)
				ctr, err := c.OfflineCounters()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Counters:   sent=%d seen=%d remote=%d\n", ctr.SentOffline, ctr.SeenOffline, ctr.Remote)
				hashes, err := c.Hashes()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Transfers:  %d/%d\n", len(hashes), applet.RepositoryCapacity)
				return nil
			})
		},
	}
}

func (a *app) balanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the card balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCard(cmd, func(c *impala.Client) error {
				b, err := c.Balance()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), b)
				return nil
			})
		},
	}
}

func (a *app) verifyPINCommand() *cobra.Command {
	var (
		master bool
		pin    string
	)
	cmd := &cobra.Command{
		Use:   "verify-pin",
		Short: "Check the user PIN, or the master PIN with --master",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, length, prompt := applet.PINUser, userPINLength, "User PIN"
			if master {
				ref, length, prompt = applet.PINMaster, masterPINLength, "Master PIN"
			}
			value, err := pinValue(pin, prompt, length)
			if err != nil {
				return err
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				if err := c.VerifyPIN(ref, value); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "PIN OK")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&master, "master", false, "verify the master PIN")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN digits (prompted when empty)")
	return cmd
}

func (a *app) setUserPINCommand() *cobra.Command {
	var masterPIN, newPIN string
	cmd := &cobra.Command{
		Use:   "set-user-pin",
		Short: "Change the user PIN, authorized by the master PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			mp, err := pinValue(masterPIN, "Master PIN", masterPINLength)
			if err != nil {
				return err
			}
			np, err := pinValue(newPIN, "New user PIN", userPINLength)
			if err != nil {
				return err
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				if err := c.VerifyPIN(applet.PINMaster, mp); err != nil {
					return err
				}
				if err := c.UpdateUserPIN(np); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "User PIN updated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&masterPIN, "master-pin", "", "master PIN digits (prompted when empty)")
	cmd.Flags().StringVar(&newPIN, "new-pin", "", "new user PIN digits (prompted when empty)")
	return cmd
}

func (a *app) transferCommand() *cobra.Command {
	var (
		to       string
		amount   uint32
		currency string
		counter  int32
		pin      string
		pinless  bool
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Debit the card and print the signed transfer",
		Long: "Debit the card and print the signable and tail as hex. Counter 0 is an online\n" +
			"transfer signed with the card key; a positive counter is an offline transfer\n" +
			"signed with the next limited-use key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := uuid.Parse(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			cur, err := parseCurrency(currency)
			if err != nil {
				return err
			}
			value := []byte{0, 0, 0, 0}
			if !pinless {
				if value, err = pinValue(pin, "User PIN", userPINLength); err != nil {
					return err
				}
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				sender, err := c.AccountID()
				if err != nil {
					return err
				}
				s := transfer.Fields{
					DateTime:  time.Now(),
					Sender:    sender,
					Recipient: recipient,
					Currency:  cur,
					Amount:    amount,
					Counter:   counter,
				}.Encode()
				tail, err := c.SignTransfer(value, s)
				if err != nil {
					return err
				}
				encoded, err := tail.Encode()
				if err != nil {
					return err
				}
				slog.Info("transfer signed", "recipient", recipient, "amount", amount, "counter", counter)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Signable: %s\n", hexUpper(s[:]))
				fmt.Fprintf(out, "Tail:     %s\n", hexUpper(encoded))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient account ID")
	cmd.Flags().Uint32Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "currency code")
	cmd.Flags().Int32Var(&counter, "counter", 0, "transfer counter: 0 online, >0 offline")
	cmd.Flags().StringVar(&pin, "pin", "", "user PIN digits (prompted when empty)")
	cmd.Flags().BoolVar(&pinless, "pinless", false, "request a PIN-less transfer")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (a *app) receiveCommand() *cobra.Command {
	var signableHex, tailHex string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Credit the card with a transfer signed by another card",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(signableHex)
			if err != nil {
				return fmt.Errorf("--signable: %w", err)
			}
			s, err := transfer.ParseSignable(raw)
			if err != nil {
				return err
			}
			raw, err = hex.DecodeString(tailHex)
			if err != nil {
				return fmt.Errorf("--tail: %w", err)
			}
			tail, err := transfer.ParseTail(raw)
			if err != nil {
				return err
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				if err := c.VerifyTransfer(s, tail); err != nil {
					return err
				}
				return printBalance(cmd, c)
			})
		},
	}
	cmd.Flags().StringVar(&signableHex, "signable", "", "signable as hex")
	cmd.Flags().StringVar(&tailHex, "tail", "", "tail as hex")
	_ = cmd.MarkFlagRequired("signable")
	_ = cmd.MarkFlagRequired("tail")
	return cmd
}

func (a *app) creditCommand() *cobra.Command {
	var (
		from     string
		amount   uint32
		currency string
	)
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Apply a remote credit signed with the master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := a.issuer()
			if err != nil {
				return err
			}
			sender, err := uuid.Parse(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			cur, err := parseCurrency(currency)
			if err != nil {
				return err
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				recipient, err := c.AccountID()
				if err != nil {
					return err
				}
				ctr, err := c.OfflineCounters()
				if err != nil {
					return err
				}
				s := transfer.Fields{
					DateTime:  time.Now(),
					Sender:    sender,
					Recipient: recipient,
					Currency:  cur,
					Amount:    amount,
					Counter:   ctr.Remote - 1,
				}.Encode()
				tail, err := iss.RemoteCredit(s)
				if err != nil {
					return err
				}
				if err := c.VerifyTransfer(s, tail); err != nil {
					return err
				}
				return printBalance(cmd, c)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", uuid.Nil.String(), "sender account ID")
	cmd.Flags().Uint32Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "currency code")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (a *app) fundCommand() *cobra.Command {
	var (
		account  string
		balance  uint64
		currency string
	)
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Write signed card data: account, currency and balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := a.issuer()
			if err != nil {
				return err
			}
			cur, err := parseCurrency(currency)
			if err != nil {
				return err
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				u, err := c.UserData()
				if err != nil {
					return err
				}
				accountID := u.AccountID
				switch {
				case account != "":
					if accountID, err = uuid.Parse(account); err != nil {
						return fmt.Errorf("--account: %w", err)
					}
				case accountID == uuid.Nil:
					accountID = uuid.New()
				}
				ctr, err := c.OfflineCounters()
				if err != nil {
					return err
				}
				nonce, err := c.CardNonce()
				if err != nil {
					return err
				}
				body, sig, err := iss.CardData(impala.CardData{
					AccountID:          accountID,
					CardID:             u.CardID,
					Nonce:              nonce,
					Currency:           cur,
					Balance:            balance,
					SentOfflineCounter: ctr.SentOffline,
					RemoteCounter:      ctr.Remote,
				})
				if err != nil {
					return err
				}
				if err := c.SetCardData(body, sig); err != nil {
					return err
				}
				slog.Info("card data written", "account_id", accountID, "currency", formatCurrency(cur))
				return printBalance(cmd, c)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account ID (defaults to the card's current account, or a new one)")
	cmd.Flags().Uint64Var(&balance, "balance", 0, "new balance in minor units")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "currency code")
	_ = cmd.MarkFlagRequired("balance")
	return cmd
}

func (a *app) provisionPINCommand() *cobra.Command {
	var (
		master bool
		pin    string
	)
	cmd := &cobra.Command{
		Use:   "provision-pin",
		Short: "Set the user or master PIN over the secure channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, length, prompt := applet.PINUser, userPINLength, "New user PIN"
			if master {
				ref, length, prompt = applet.PINMaster, masterPINLength, "New master PIN"
			}
			value, err := pinValue(pin, prompt, length)
			if err != nil {
				return err
			}
			return a.withSecureCard(cmd, func(c *impala.Client) error {
				if err := c.ProvisionPIN(ref, value); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "PIN provisioned")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&master, "master", false, "provision the master PIN")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN digits (prompted when empty)")
	return cmd
}

func (a *app) rotateKeysCommand() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Replace the card's SCP03 static keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := scp03.LoadKeyFile(keyFile)
			if err != nil {
				return fmt.Errorf("load new keys: %w", err)
			}
			return a.withSecureCard(cmd, func(c *impala.Client) error {
				if err := c.RotateKeys(next); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Static keys rotated; update config.keys.scp03_key_file to %s\n", keyFile)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "hex file with the new ENC, MAC and DEK keys")
	_ = cmd.MarkFlagRequired("key-file")
	return cmd
}

func (a *app) loadLUKsCommand() *cobra.Command {
	var (
		count     int
		limit     uint64
		setMaster bool
	)
	cmd := &cobra.Command{
		Use:   "load-luks",
		Short: "Generate and load limited-use keys for offline transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := a.issuer()
			if err != nil {
				return err
			}
			if count < 1 || count > applet.MaxLUKs {
				return fmt.Errorf("--count must be between 1 and %d", applet.MaxLUKs)
			}
			return a.withSecureCard(cmd, func(c *impala.Client) error {
				if setMaster {
					pub, err := issuerKey(iss)
					if err != nil {
						return err
					}
					if err := c.SetMasterPublicKey(pub); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("limit") {
					if err := c.SetLUKLimit(limit); err != nil {
						return err
					}
				}
				for i := 0; i < count; i++ {
					priv, sig, err := iss.NewLUK()
					if err != nil {
						return err
					}
					if err := c.LoadLUK(priv, sig); err != nil {
						return fmt.Errorf("load LUK %d: %w", i, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d LUKs\n", count)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of keys to load")
	cmd.Flags().Uint64Var(&limit, "limit", 0, "also set the per-transfer offline limit")
	cmd.Flags().BoolVar(&setMaster, "set-master", false, "install the configured master public key first")
	return cmd
}

func (a *app) syncCommand() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Report the card's transfer hashes to the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Sync.Endpoint == "" {
				return fmt.Errorf("config.sync.endpoint is required for sync")
			}
			var iss *impala.Issuer
			if prune {
				var err error
				if iss, err = a.issuer(); err != nil {
					return err
				}
			}
			return a.withCard(cmd, func(c *impala.Client) error {
				account, err := c.AccountID()
				if err != nil {
					return err
				}
				hashes, err := c.Hashes()
				if err != nil {
					return err
				}
				resp, err := postSync(cmd.Context(), a.cfg.Sync.Endpoint, a.cfg.Sync.ClientID, a.cfg.Sync.ClientSecret, newSyncRequest(account, hashes))
				if err != nil {
					return err
				}
				slog.Info("sync recorded", "account_id", account, "transfers", len(hashes), "timestamp", resp.Timestamp)
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d transfers at %s: %s\n", len(hashes), resp.Timestamp, resp.Message)
				if iss == nil {
					return nil
				}
				for _, h := range hashes {
					sig, err := iss.Sign(h[:])
					if err != nil {
						return err
					}
					if err := c.DeleteTransfer(h, sig); err != nil {
						return fmt.Errorf("delete transfer %s: %w", hexUpper(h[:]), err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d transfers\n", len(hashes))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete the reported transfers from the card afterwards")
	return cmd
}

func printBalance(cmd *cobra.Command, c *impala.Client) error {
	b, err := c.Balance()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Balance: %d\n", b)
	return nil
}
