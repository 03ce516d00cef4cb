package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/chat"
	"github.com/petervdpas/infinitchat/internal/config"
	"github.com/petervdpas/infinitchat/internal/friends"
	"github.com/petervdpas/infinitchat/internal/logtail"
	"github.com/petervdpas/infinitchat/internal/presence"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/rtc"
	"github.com/petervdpas/infinitchat/internal/status"
	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/viewer"
)

var log = logging.Logger("app")

const (
	chatBufferSize = 100
	logBufferSize  = 800
	offlineTimeout = 5 * time.Second
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Run wires every service from the config and blocks until ctx is done.
// The user is marked offline on the way out.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}

	lvl, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetAllLoggers(lvl)

	logs := logtail.New(logBufferSize, clk)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go func() { _ = logs.Pump(pipe) }()

	uid := cfg.Identity.UserID
	logBanner(opt.PeerDir, opt.CfgPath, uid)

	st, err := openStore(ctx, opt.PeerDir, cfg.Store, clk)
	if err != nil {
		return err
	}
	defer st.Close()

	profiles := profile.New(st)
	name := cfg.Identity.DisplayName
	if name == "" {
		name = uid
	}
	self, created, err := profiles.Ensure(ctx, profile.Account{
		ID:          uid,
		Email:       cfg.Identity.Email,
		DisplayName: name,
		PhotoURL:    cfg.Identity.PhotoURL,
	})
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if created {
		log.Infof("APP: created profile %q", self.DisplayName)
	}

	tracker := presence.NewTracker(st, uid)
	if err := tracker.Start(ctx); err != nil {
		log.Warnf("APP: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
		defer cancel()
		_ = tracker.Stop(sctx)
	}()

	mode := friends.AcceptBestEffort
	if cfg.Friends.AcceptMode == config.AcceptTransactional {
		mode = friends.AcceptTransactional
	}

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		log.Warnf("APP: image uploads disabled: %v", err)
	}

	table := presence.NewTable(clk, uid)
	v := viewer.Viewer{
		SelfID:          uid,
		Profiles:        profiles,
		Friends:         friends.New(st, uid, mode),
		Chat:            chat.New(st, uid, chatBufferSize),
		Status:          status.New(st, blobs, clk, time.Duration(cfg.Status.TTLHours)*time.Hour),
		Presence:        table,
		Blobs:           blobs,
		Logs:            logs,
		RateLimitPerSec: cfg.Viewer.RateLimitPerSec,
		RateLimitBurst:  cfg.Viewer.RateLimitBurst,
	}

	if !cfg.Call.Disabled {
		calls, closeCalls, err := startCalls(ctx, st, profiles, cfg.Call, uid, clk)
		if err != nil {
			return err
		}
		defer closeCalls()
		v.Calls = calls
	} else {
		log.Infof("APP: calls disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return table.Run(gctx, st) })
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		log.Infof("APP: viewer at %s", url)
		g.Go(func() error { return viewer.Start(gctx, addr, v) })
	}

	err = g.Wait()
	log.Infof("APP: shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openBlobs(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	m, err := blob.NewMinio(blob.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
		PublicURL: cfg.PublicURL,
	})
	if err != nil {
		return nil, err
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func startCalls(ctx context.Context, st store.Store, profiles *profile.Service, cfg config.Call, uid string, clk clock.Clock) (*call.Manager, func(), error) {
	ringTimeout := time.Duration(cfg.RingTimeoutSec) * time.Second
	client, err := rtc.NewClient(ctx, st, uid, rtc.Options{
		STUNServers:  cfg.STUNServers,
		MaxSignalAge: ringTimeout,
		Clock:        clk,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start peer client: %w", err)
	}

	m := call.New(call.Options{
		Client:  client,
		Devices: rtc.NewDevices(),
		Directory: call.DirectoryFunc(func(ctx context.Context, id string) (call.Party, error) {
			u, err := profiles.Get(ctx, id)
			if err != nil {
				return call.Party{}, err
			}
			return call.Party{ID: u.ID, DisplayName: u.DisplayName, PhotoURL: u.PhotoURL}, nil
		}),
		RingInterval: time.Duration(cfg.RingIntervalMs) * time.Millisecond,
		Clock:        clk,
		RingTimeout:  ringTimeout,
		DialTimeout:  time.Duration(cfg.DialTimeoutSec) * time.Second,
	})
	// The manager has registered its OnCall handler; offers already
	// waiting in the store can now be read.
	if err := client.Start(); err != nil {
		m.Close()
		_ = client.Close()
		return nil, nil, fmt.Errorf("start peer client: %w", err)
	}
	return m, func() {
		m.Close()
		_ = client.Close()
	}, nil
}
