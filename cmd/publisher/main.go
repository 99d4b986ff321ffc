// Command publisher starts a source node: it serves every file under its
// root directory to any subscriber whose declared filter is satisfiable
// from the local predicate, per spec.md §6's CLI surface.
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
	"sync/atomic"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/internal/config"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/node"
)

const helpMsg = `Usage:
	publisher [-port N] [-config FILE] <rootDir>
	publisher -dump-heap <rootDir>

Exit codes:
	0  normal shutdown
	1  bad arguments
	2  runtime error
	3  interrupted (SIGINT/SIGTERM)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("publisher", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, helpMsg); fs.PrintDefaults() }

	var port int
	var configPath string
	var dumpHeap bool
	fs.IntVar(&port, "port", 0, "TCP port to listen on (0 = OS-assigned)")
	fs.StringVar(&configPath, "config", "", "optional JSON configuration file")
	fs.BoolVar(&dumpHeap, "dump-heap", false, "print the deletion queue's live entries as JSON and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	rootDir := fs.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		nlog.Errorf("publisher: load config: %v", err)
		return 2
	}
	cfg.RootDir = rootDir
	if port != 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", port)
	}

	if dumpHeap {
		if err := dumpDeletionQueue(rootDir); err != nil {
			nlog.Errorf("publisher: dump-heap: %v", err)
			return 2
		}
		return 0
	}

	n, err := node.Open(cfg, filter.NewPredicate(filter.Everything))
	if err != nil {
		nlog.Errorf("publisher: %v", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	interrupted := installSignalHandler(cancel)

	if err := n.WatchForExistingFiles(ctx); err != nil {
		nlog.Errorf("publisher: watcher: %v", err)
		n.Close()
		return 2
	}

	fmt.Fprintln(os.Stdout, n.ListenAddr().String())
	nlog.Infof("publisher: serving %s on %s", rootDir, n.ListenAddr())

	serveErr := n.Serve(ctx)
	closeErr := n.Close()

	switch {
	case interrupted.Load():
		return 3
	case serveErr != nil:
		nlog.Errorf("publisher: serve: %v", serveErr)
		return 2
	case closeErr != nil:
		nlog.Errorf("publisher: shutdown: %v", closeErr)
		return 2
	default:
		return 0
	}
}

func installSignalHandler(cancel context.CancelFunc) *atomic.Bool {
	var interrupted atomic.Bool
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		interrupted.Store(true)
		cancel()
	}()
	return &interrupted
}

// dumpDeletionQueue is the §6 SUPPLEMENTED FEATURES diagnostic: print the
// live fileDeletionQueue entries without disturbing a running node,
// grounded on the teacher's cmd/xmeta dump tool.
func dumpDeletionQueue(rootDir string) error {
	q, err := node.OpenDeletionQueueReadOnly(rootDir)
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.Entries()
	if err != nil {
		return err
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(b))
	return nil
}
