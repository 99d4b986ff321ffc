// Package sos - id generation, adapted from the teacher's cmn/cos/uuid.go.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package sos

import (
	"time"

	"github.com/teris-io/shortid"
)

const uuidABC = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var sid *shortid.Shortid

func init() {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, uint64(time.Now().UnixNano()))
}

// GenUUID returns a short, URL-safe identifier used to name peers,
// connections, and servlets.
func GenUUID() string {
	s, err := sid.Generate()
	if err != nil {
		// shortid's only failure mode is worker exhaustion across 2^31 calls;
		// fall back to a coarser but always-available source.
		return time.Now().Format("150405.000000000")
	}
	return s
}
