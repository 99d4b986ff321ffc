// Package config loads the process-wide settings both cmd/publisher and
// cmd/subscriber start from: a JSON file overridden by flag.FlagSet
// values, mirroring the teacher's cmn/config + flag combination.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"flag"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/sruth-project/sruth/piece"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the process-wide settings shared by every sruth node.
type Config struct {
	RootDir string `json:"rootDir"`

	PieceSize    int64 `json:"pieceSize"`
	MaxOpenFiles int   `json:"maxOpenFiles"`

	MaxActiveServlets      int `json:"maxActiveServlets"`
	MaxOutstandingServlets int `json:"maxOutstandingServlets"`

	ListenAddr  string `json:"listenAddr"`
	TrackerAddr string `json:"trackerAddr"`
}

// Default returns the baseline configuration: spec.md's canonical piece
// size and the server's documented admission caps.
func Default() Config {
	return Config{
		PieceSize:              piece.DefaultPieceSize,
		MaxOpenFiles:           256,
		MaxActiveServlets:      8,
		MaxOutstandingServlets: 4,
		ListenAddr:             ":0",
	}
}

// Load reads path as a JSON Config document, falling back silently to
// Default's values for any field path doesn't mention. A missing file is
// not an error: both CLIs are expected to run off flag overrides alone.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := jsonAPI.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

// RegisterFlags binds c's fields onto fs, so CLI flags override whatever
// Load produced when flag.Parse runs after both Load and RegisterFlags.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RootDir, "root", c.RootDir, "archive root directory")
	fs.Int64Var(&c.PieceSize, "piece-size", c.PieceSize, "piece size in bytes")
	fs.IntVar(&c.MaxOpenFiles, "max-open-files", c.MaxOpenFiles, "open-file cache capacity")
	fs.IntVar(&c.MaxActiveServlets, "max-active-servlets", c.MaxActiveServlets, "maximum concurrently running peers")
	fs.IntVar(&c.MaxOutstandingServlets, "max-outstanding-servlets", c.MaxOutstandingServlets, "maximum in-handshake connections")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address to bind the accept loop to")
	fs.StringVar(&c.TrackerAddr, "tracker", c.TrackerAddr, "tracker address to report to / read from")
}
