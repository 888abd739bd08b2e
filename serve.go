package main

import (
	"context"
	"fmt"
	"log/slog"

	"driftchat/internal/blob"
	"driftchat/internal/config"
	"driftchat/internal/domain"
	"driftchat/internal/httpapi"
	"driftchat/internal/linkpreview"
	"driftchat/internal/metrics"
	"driftchat/internal/quota"
	"driftchat/internal/relay"
	"driftchat/internal/session"
	"driftchat/internal/store"
	"driftchat/internal/tlsutil"
	"driftchat/internal/wt"

	"golang.org/x/sync/errgroup"
)

// backend is the storage half of the server, shared by serve and the
// maintenance commands.
type backend struct {
	store *store.Store
	blobs *blob.Store
	svc   *domain.Service
}

func openBackend(cfg config.Config) (*backend, error) {
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.NewStore(cfg.BlobsDir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	svc := domain.NewService(st, blobs, domain.Config{MaxMessageLength: cfg.MaxMessageLength})
	return &backend{store: st, blobs: blobs, svc: svc}, nil
}

func (b *backend) Close() {
	if err := b.store.Close(); err != nil {
		slog.Error("close store", "err", err)
	}
}

// serve runs every listener and background loop until ctx is canceled or
// one of them fails.
func serve(ctx context.Context, cfg config.Config) error {
	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	slog.Debug("blob store", "dir", cfg.BlobsDir)

	tracker := quota.NewTracker(b.blobs, cfg.RoomQuotaBytes)
	b.svc.OnRoomRemoved(tracker.Forget)

	var opts []relay.Option
	if cfg.LinkPreview {
		opts = append(opts, relay.WithPreviewer(linkpreview.NewFetcher(cfg.LinkPreviewTimeout)))
	}
	rl := relay.New(b.svc, session.NewRegistry(b.svc, cfg.SendBuffer), opts...)

	api := httpapi.New(b.svc, rl, b.blobs, tracker, httpapi.Options{MaxUploadBytes: cfg.MaxUploadBytes})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", cfg.Addr)
		return api.Run(ctx, cfg.Addr)
	})
	g.Go(func() error {
		return b.svc.RunSweeper(ctx, cfg.SweepInterval)
	})
	if cfg.MetricsInterval > 0 {
		g.Go(func() error {
			return metrics.Run(ctx, rl, cfg.MetricsInterval)
		})
	}
	if cfg.WTAddr != "" {
		tlsConfig, fingerprint, err := tlsutil.SelfSigned(cfg.WTCertValidity, cfg.WTHostname)
		if err != nil {
			return fmt.Errorf("webtransport certificate: %w", err)
		}
		slog.Info("webtransport certificate", "sha256", fingerprint, "hostname", cfg.WTHostname)
		srv := wt.NewServer(cfg.WTAddr, tlsConfig, rl)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	err = g.Wait()
	slog.Info("server stopped")
	return err
}
