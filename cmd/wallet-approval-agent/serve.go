package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/skip2/go-qrcode"

	clientconfig "github.com/quantumauth-io/wallet-approval-agent/cmd/wallet-approval-agent/config"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/helpers"
	clienthttp "github.com/quantumauth-io/wallet-approval-agent/internal/http"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
	"github.com/quantumauth-io/wallet-approval-agent/internal/session"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

// printPairQR renders the pairing link for scanning from a phone or a second screen.
func printPairQR(w io.Writer, link string) {
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		log.Warn("failed to render pairing QR code", "error", err)
		return
	}
	_, _ = fmt.Fprintln(w, qr.ToSmallString(false))
}

type serveOptions struct {
	unlock  bool
	dataDir string
}

func runServe(parent context.Context, opts serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := clientconfig.Load()
	if err != nil {
		log.Fatal("failed to parse config", "error", err)
	}

	dataDir, err := resolveDataDir(cfg, opts.dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, constants.DirectoryPerm); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	keystore := signer.NewKeystore(filepath.Join(dataDir, constants.KeystoreFile), securefile.DefaultKDF)
	if !keystore.Exists() {
		create, err := helpers.PromptYesNo("No wallet keystore found. Create one now? [y/N]: ")
		if err != nil || !create {
			return errors.New("no keystore: run `wallet-approval-agent keys init` first")
		}
		if err := runKeysInit(dataDir, false); err != nil {
			return err
		}
	}

	kv, err := storage.Open(cfg.Storage.Backend, dataDir)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer func() {
		if err := storage.Close(kv); err != nil {
			log.Error("storage close failed", "error", err)
		}
	}()

	sess := session.NewManager(keystore)
	sessionKV := storage.NewEncrypted(kv, sess)

	// Grants sealed by a previous process can never be opened again.
	if err := sessionKV.Purge(ctx, constants.PreapprovalRequestsKey); err != nil {
		log.Warn("failed to purge stale session data", "error", err)
	}
	sess.OnLock(func(ctx context.Context) {
		if err := sessionKV.Purge(ctx, constants.PreapprovalRequestsKey); err != nil {
			log.Error("failed to purge session data on lock", "error", err)
		}
	})

	chain := signer.NewRPCChain(cfg.Chains)
	defer chain.Close()
	wallet := signer.NewWallet(sess, chain)

	launcher, err := popup.NewLauncher(cfg.Popup.Launcher, cfg.Popup.Command)
	if err != nil {
		return err
	}
	popups := popup.NewController(cfg.Agent.UIBaseURL, launcher, cfg.DetachGrace())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := approvals.NewMetrics(reg)

	svc := approvals.NewService(approvals.Deps{
		Store:   approvals.NewStore(kv, sessionKV, cfg.Approvals.MaxPreapprovals),
		Popups:  popups,
		Signer:  wallet,
		Session: sess,
		Metrics: metrics,
	}, approvals.Policy{RenewalMarginBps: cfg.Approvals.RenewalMarginBps})

	handler, err := clienthttp.NewServer(ctx, clienthttp.Options{
		DataDir:          dataDir,
		ServerURL:        cfg.ServerURL(),
		UIBaseURL:        cfg.Agent.UIBaseURL,
		UIAllowedOrigins: cfg.Agent.UIOrigins,
		Permissions:      kv,
		Approvals:        svc,
		Popups:           popups,
		Session:          sess,
		Metrics:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),

		OriginRatePerSecond: cfg.Agent.OriginRatePerSecond,
		OriginBurst:         cfg.Agent.OriginBurst,
	})
	if err != nil {
		return errors.Wrap(err, "init http server")
	}

	if link, err := handler.NewPairLink(); err != nil {
		log.Warn("failed to create pairing link", "error", err)
	} else {
		log.Info("open to pair the approval UI", "url", link)
		printPairQR(os.Stderr, link)
	}

	if opts.unlock {
		pw, err := helpers.PromptPassword("Wallet password: ")
		if err != nil {
			return err
		}
		err = sess.Unlock(ctx, pw)
		helpers.Wipe(pw)
		if err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(cfg.Agent.LocalHost, cfg.Agent.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("agent listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("HTTP server error", "error", err)
	}

	// Pending approvals resolve as rejected before the listener goes away.
	popups.CloseAll("shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}

	sess.Lock(shutdownCtx)
	return nil
}
