// Package mono provides a monotonic time source, used for move-to-loop
// timing diagnostics.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime returns a monotonic nanosecond timestamp. Only deltas between two
// calls are meaningful — it is not wall-clock time.
func NanoTime() int64 { return int64(time.Since(start)) }

// start anchors NanoTime; time.Since reads its monotonic clock reading.
var start = time.Now()

// Since returns the duration elapsed since the nanosecond timestamp returned
// by a prior NanoTime call.
func Since(ns int64) time.Duration { return time.Duration(NanoTime() - ns) }
