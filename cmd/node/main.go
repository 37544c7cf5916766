package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"relayring/internal/app"
)

func main() {
	listen := flag.String("listen", "", "listen address (defaults to RING_LISTEN_ADDR or :8470)")
	registry := flag.Bool("registry", false, "enable trust registry role")
	verifier := flag.Bool("verifier", false, "enable blind verifier role")
	rotation := flag.Bool("rotation", false, "enable key rotation coordinator role")
	mesh := flag.Bool("mesh", false, "enable mesh membership watcher role")
	all := flag.Bool("all", false, "enable every role")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeCfg := app.Config{
		ListenAddr: *listen,
		Roles: app.Roles{
			Registry: *registry || *all,
			Verifier: *verifier || *all,
			Rotation: *rotation || *all,
			Mesh:     *mesh || *all,
		},
	}

	if !nodeCfg.Roles.Any() {
		log.Fatal("no role selected; pass one or more of --registry --verifier --rotation --mesh, or --all")
	}

	if err := app.Run(ctx, nodeCfg); err != nil {
		log.Fatal(err)
	}
}
