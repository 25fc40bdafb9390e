// Package config loads the Gateway's startup mesh configuration document
// (§6 of the design): the coordinator address and, per service, the set of
// mesh peer endpoints.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"

	"github.com/richard-shepherd/MessagingMesh/cmn/xerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StartupMesh is one service's mesh-peer listing.
type StartupMesh struct {
	Name                         string   `json:"Name"`
	DiscoverMeshUsingCoordinator bool     `json:"DiscoverMeshUsingCoordinator"`
	MeshGateways                 []string `json:"MeshGateways"`
}

// MeshConfig is the Gateway's startup document.
type MeshConfig struct {
	CoordinatorGateway string        `json:"CoordinatorGateway"`
	StartupMeshes      []StartupMesh `json:"StartupMeshes"`
}

// Load locates path with viper (so file watching and env overrides of the
// path itself are available to the caller the same way as the rest of this
// repo's ambient config), then decodes its raw bytes with jsoniter directly
// into MeshConfig — viper's generic map decoding doesn't preserve the
// ordered-slice-of-struct shape this document needs as reliably as a direct
// unmarshal.
func Load(path string) (*MeshConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, xerrors.Wrap(xerrors.InternalInvariant, err, "reading config %s", path)
	}

	raw, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InternalInvariant, err, "reading config %s", path)
	}

	var cfg MeshConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.ProtocolViolation, err, "parsing config %s", path)
	}
	return &cfg, nil
}

// Watch re-invokes onChange with a freshly loaded MeshConfig whenever path
// changes on disk.
func Watch(path string, onChange func(*MeshConfig, error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return xerrors.Wrap(xerrors.InternalInvariant, err, "reading config %s", path)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(path)
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}
