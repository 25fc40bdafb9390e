// Package tassert provides small test assertion helpers shared across this
// repo's package-level test files.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package tassert

import (
	"reflect"
	"testing"
)

func Fatal(t *testing.T, args ...any) {
	t.Helper()
	t.Fatal(args...)
}

func Errorf(t *testing.T, format string, args ...any) {
	t.Helper()
	t.Errorf(format, args...)
}

func CheckFatal(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func CheckError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func Errorif(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if cond {
		t.Errorf(format, args...)
	}
}

func Fatalif(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if cond {
		t.Fatalf(format, args...)
	}
}

func DeepEqual(t *testing.T, got, want any) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}
