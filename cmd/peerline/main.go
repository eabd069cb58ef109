// Command peerline runs the call client daemon: it joins the signaling
// network, answers the local HTTP control API, and drives calls end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	osignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/api"
	"github.com/peerline/peerline/internal/call"
	"github.com/peerline/peerline/internal/config"
	"github.com/peerline/peerline/internal/identity"
	"github.com/peerline/peerline/internal/rtc"
	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/store"
	"github.com/peerline/peerline/internal/util"
)

var (
	cfgPath     = flag.String("config", "peerline.json", "Path to config file (created if missing)")
	showVersion = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("peerline v%s\n", appVersion)
		return
	}

	absCfg, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}
	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s — edit identity and signaling, then restart", absCfg)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	osignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, absCfg, cfg); err != nil {
		log.Fatalf("peerline: %v", err)
	}
}

func run(ctx context.Context, cfgPath string, cfg config.Config) error {
	dataDir := util.ResolvePath(filepath.Dir(cfgPath), cfg.Store.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tr, err := buildTransport(cfgPath, cfg)
	if err != nil {
		return err
	}

	recs, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer recs.Close()

	capt, err := rtc.NewDeviceCapturer()
	if err != nil {
		return fmt.Errorf("media devices: %w", err)
	}

	mgr, err := call.NewManager(call.Options{
		Self:      identity.Identity{ID: cfg.Identity.UserID, Name: cfg.Identity.DisplayName},
		Transport: tr,
		Capturer:  capt,
		Store:     recs,
		Timing:    timingFromConfig(cfg.Call),
		NewConnector: func(cb call.ConnectorCallbacks) call.Connector {
			return rtc.NewEngine(rtc.Options{
				ICEServers: iceServers(cfg.ICE),
				API:        capt.API(),
				Send:       tr.Send,
				OnRemoteStream: func(peerID string, s *rtc.RemoteStream) {
					cb.RemoteStream(peerID, s)
				},
				OnPeerClosed: cb.PeerClosed,
			})
		},
	})
	if err != nil {
		return err
	}

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	// The p2p backend derives its id from the key file, so the identity is
	// only final after Initialize.
	self := mgr.Self()
	log.Printf("peerline up as %s (%s), signaling via %s", self.Name, self.ID, cfg.Signal.Mode)
	if pt, ok := tr.(*signal.P2PTransport); ok {
		log.Printf("SIGNAL: dialable addresses: %s", strings.Join(pt.Addrs(), ", "))
	}

	// Call timer edits apply without restart; everything else needs one.
	watcher, err := config.Watch(cfgPath, func(next config.Config) {
		mgr.UpdateTiming(timingFromConfig(next.Call))
	})
	if err != nil {
		log.Printf("CONFIG: live reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	return api.NewServer(cfg.API.HTTPAddr, mgr).Start(ctx)
}

func buildTransport(cfgPath string, cfg config.Config) (signal.Transport, error) {
	switch cfg.Signal.Mode {
	case "relay":
		return signal.NewRelayTransport(cfg.Signal.RelayURL), nil
	case "p2p":
		base := filepath.Dir(cfgPath)
		return signal.NewP2PTransport(signal.P2POptions{
			ListenPort: cfg.Signal.ListenPort,
			KeyFile:    util.ResolvePath(base, cfg.Signal.KeyFile),
			PeerAddrs:  cfg.Signal.PeerAddrs,
			MdnsTag:    cfg.Signal.MdnsTag,
		}), nil
	default:
		return nil, fmt.Errorf("unknown signal.mode %q", cfg.Signal.Mode)
	}
}

func timingFromConfig(c config.Call) call.Timing {
	return call.Timing{
		Ring:            secs(c.RingTimeoutSec),
		Accept:          secs(c.AcceptTimeoutSec),
		DisconnectGrace: secs(c.DisconnectGraceSec),
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func iceServers(c config.ICE) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if c.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}
