// Command subscriber starts a sink node: it loads a subscription (the
// filters it wants and the publisher addresses to dial), replicates the
// matching subset of each publisher's tree, and exits once every dial has
// finished, per spec.md §6's CLI surface.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sruth-project/sruth/internal/config"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/node"
)

const helpMsg = `Usage:
	subscriber <rootDir> <subscriptionFile>

Exit codes:
	0    completed (or interrupted by signal after a clean shutdown)
	1    bad arguments
	2    rootDir unusable
	3    subscriptionFile unreadable
	4    subscriptionFile malformed
	5    runtime error
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("subscriber", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, helpMsg) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	rootDir, subFile := fs.Arg(0), fs.Arg(1)

	if _, err := os.Stat(subFile); err != nil {
		nlog.Errorf("subscriber: subscription file: %v", err)
		return 3
	}
	sub, err := node.LoadSubscription(subFile)
	if err != nil {
		nlog.Errorf("subscriber: parse subscription: %v", err)
		return 4
	}

	cfg := config.Default()
	cfg.RootDir = rootDir
	cfg.ListenAddr = ":0" // relay to other subscribers too, not just pull

	n, err := node.Open(cfg, sub.Predicate)
	if err != nil {
		nlog.Errorf("subscriber: %v", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(cancel)

	if err := n.WatchForExistingFiles(ctx); err != nil {
		nlog.Errorf("subscriber: watcher: %v", err)
		n.Close()
		return 5
	}
	go n.Serve(ctx)

	localFilter := sub.Predicate.Collapse()
	var wg sync.WaitGroup
	for _, addr := range sub.Peers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.DialPeer(ctx, addr, localFilter); err != nil {
				nlog.Warningf("subscriber: %s: %v", addr, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		wg.Wait()
	}

	if err := n.Close(); err != nil {
		nlog.Errorf("subscriber: shutdown: %v", err)
		return 5
	}
	return 0
}

func installSignalHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
}
