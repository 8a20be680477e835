package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qti3e/ursa/node"
)

func main() {
	fs := flag.NewFlagSet("ursa", flag.ExitOnError)
	var (
		repo      = fs.String("repo", "~/.ursa", "repo directory for the datastore and keys")
		proxyAddr = fs.String("proxy-addr", ":8070", "listen address of the HTTP proxy")
		adminAddr = fs.String("admin-addr", "127.0.0.1:8071", "listen address of the admin surface")
		upstream  = fs.String("upstream", "127.0.0.1:8080", "origin host:port the proxy fetches misses from")
		swarm     = fs.String("swarm-addrs", "/ip4/0.0.0.0/tcp/6009", "comma separated swarm listen multiaddrs")
		bootstrap = fs.String("bootstrap", "", "comma separated bootstrap multiaddrs")
		relay     = fs.Bool("relay-client", false, "listen on a relay circuit when behind a NAT")
		autonat   = fs.Bool("autonat", true, "probe NAT status")
		mdns      = fs.Bool("mdns", false, "discover peers on the local network")
		kadWalk   = fs.Duration("kad-walk-interval", 300*time.Second, "period between random kademlia walks")
		logLevel  = fs.String("log-level", "info", "zerolog level")
	)

	root := &ffcli.Command{
		Name:       "ursa",
		ShortUsage: "ursa [flags]",
		ShortHelp:  "Run an ursa content distribution node",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("URSA")},
		Exec: func(ctx context.Context, args []string) error {
			lvl, err := zerolog.ParseLevel(*logLevel)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(lvl)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			nd, err := node.New(ctx, node.Options{
				RepoPath:        *repo,
				ProxyAddr:       *proxyAddr,
				AdminAddr:       *adminAddr,
				Upstream:        *upstream,
				SwarmAddrs:      splitAddrs(*swarm),
				BootstrapPeers:  splitAddrs(*bootstrap),
				RelayClient:     *relay,
				Autonat:         *autonat,
				Mdns:            *mdns,
				KadWalkInterval: *kadWalk,
			})
			if err != nil {
				return err
			}
			return nd.Start(ctx)
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
