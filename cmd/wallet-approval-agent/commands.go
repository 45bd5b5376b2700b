package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	clientconfig "github.com/quantumauth-io/wallet-approval-agent/cmd/wallet-approval-agent/config"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/helpers"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

func buildServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent HTTP server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	bindServeFlags(cmd, &opts)
	return cmd
}

func bindServeFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().BoolVar(&opts.unlock, "unlock", false, "Prompt for the wallet password and start unlocked")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Override the data directory")
}

// =============================================================================
// Keys Commands
// =============================================================================

func buildKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the wallet keystore",
	}
	cmd.AddCommand(buildKeysInitCmd(), buildKeysAddressCmd())
	return cmd
}

func buildKeysInitCmd() *cobra.Command {
	var dataDir string
	var importKey bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new keystore, or import an existing private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysInit(dataDir, importKey)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	cmd.Flags().BoolVar(&importKey, "import", false, "Import a hex private key instead of generating one")
	return cmd
}

func buildKeysAddressCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the wallet address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openKeystore(dataDir)
			if err != nil {
				return err
			}
			addr, err := ks.Address()
			if err != nil {
				return errors.Wrap(err, "read keystore")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), addr)
			return err
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	return cmd
}

func runKeysInit(dataDir string, importKey bool) error {
	ks, err := openKeystore(dataDir)
	if err != nil {
		return err
	}
	if ks.Exists() {
		return errors.Wrapf(signer.ErrKeystoreExists, "remove %s first to start over", ks.Path)
	}

	var privHex string
	if importKey {
		raw, err := helpers.PromptPassword("Private key (hex): ")
		if err != nil {
			return err
		}
		privHex = strings.TrimSpace(string(raw))
		helpers.Wipe(raw)
	}

	pw, err := helpers.PromptNewPassword()
	if err != nil {
		return err
	}
	defer helpers.Wipe(pw)

	var kp *signer.Keypair
	if importKey {
		kp, err = ks.Import(privHex, pw)
	} else {
		kp, err = ks.Create(pw)
	}
	if err != nil {
		return errors.Wrap(err, "write keystore")
	}
	defer kp.Wipe()

	fmt.Printf("Keystore written to %s\nAddress: %s\n", ks.Path, kp.Address())
	return nil
}

func openKeystore(dataDirOverride string) (*signer.Keystore, error) {
	cfg, err := clientconfig.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	dir, err := resolveDataDir(cfg, dataDirOverride)
	if err != nil {
		return nil, err
	}
	return signer.NewKeystore(filepath.Join(dir, constants.KeystoreFile), securefile.DefaultKDF), nil
}

// resolveDataDir prefers the flag, then the config file, then the OS default.
func resolveDataDir(cfg *clientconfig.Config, override string) (string, error) {
	if strings.TrimSpace(override) == "" {
		override = cfg.Agent.DataDir
	}
	dir, err := securefile.DataDir(constants.AppName, override)
	if err != nil {
		return "", errors.Wrap(err, "resolve data dir")
	}
	return dir, nil
}

// =============================================================================
// Requests Commands
// =============================================================================

func buildRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect persisted transaction approval requests",
	}
	cmd.AddCommand(buildRequestsListCmd())
	return cmd
}

func buildRequestsListCmd() *cobra.Command {
	var dataDir string
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transaction approval requests, oldest first",
		Long: `List the transaction approval requests the agent has on disk.

Pre-approvals are not listed: they only exist while a wallet session is
unlocked and are read through the running agent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestsList(cmd, dataDir, pendingOnly)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Only show requests without a decision")
	return cmd
}

func runRequestsList(cmd *cobra.Command, dataDirOverride string, pendingOnly bool) error {
	cfg, err := clientconfig.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	dir, err := resolveDataDir(cfg, dataDirOverride)
	if err != nil {
		return err
	}

	kv, err := storage.Open(cfg.Storage.Backend, dir)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer func() { _ = storage.Close(kv) }()

	store := approvals.NewStore(kv, storage.NewMemory(), cfg.Approvals.MaxPreapprovals)
	reqs, err := store.TransactionRequests(context.Background())
	if err != nil {
		return err
	}

	out := make([]*approvals.TransactionApprovalRequest, 0, reqs.Len())
	for _, r := range reqs.Values() {
		if pendingOnly && r.Approved != nil {
			continue
		}
		out = append(out, r)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
