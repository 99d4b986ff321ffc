//go:build !debug

// Package debug provides assertions that compile to nothing outside -tags=debug builds.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}
func ON() bool                           { return false }
