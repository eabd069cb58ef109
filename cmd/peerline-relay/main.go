// Command peerline-relay runs the signaling relay: a websocket hub that
// registers clients by user id and forwards call-control and negotiation
// events between them. It never inspects media; all of that flows peer to
// peer over WebRTC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	osignal "os/signal"
	"syscall"

	"github.com/peerline/peerline/internal/relay"
)

var (
	addr        = flag.String("addr", "127.0.0.1:8787", "Listen address")
	adminPass   = flag.String("admin-password", "", "Password for /admin (empty disables it)")
	showVersion = flag.Bool("version", false, "Show version")
)

var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("peerline-relay v%s\n", appVersion)
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

	srv := relay.New(*addr, *adminPass)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("relay: %v", err)
	}
	log.Printf("RELAY: clients connect to %s", srv.URL())

	<-ctx.Done()
}
