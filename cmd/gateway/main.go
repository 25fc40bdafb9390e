// Command gateway runs a MessagingMesh Gateway process.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/richard-shepherd/MessagingMesh/cmn/config"
	"github.com/richard-shepherd/MessagingMesh/cmn/nlog"
	"github.com/richard-shepherd/MessagingMesh/gateway"
	"github.com/richard-shepherd/MessagingMesh/mesh"
	"github.com/richard-shepherd/MessagingMesh/metrics"
)

type options struct {
	port        int
	configPath  string
	metricsPort int
	test        bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a MessagingMesh pub/sub Gateway",
		RunE: func(*cobra.Command, []string) error {
			return run(opts)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", 5050, "client listening port")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to the mesh config JSON document (optional)")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "if nonzero, serve Prometheus metrics on this port")
	cmd.Flags().BoolVar(&opts.test, "test", false, "start the gateway (and mesh, if configured), then stop it and exit")
	return cmd
}

func run(opts *options) error {
	nlog.SetTitle("gateway")

	gw, err := gateway.New(opts.port)
	if err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	if opts.metricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			addr := "0.0.0.0:" + strconv.Itoa(opts.metricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				nlog.Errorf("metrics server on %s exited: %v", addr, err)
			}
		}()
	}

	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("loading mesh config: %w", err)
		}
		if err := mesh.New().Init(cfg, opts.port, gw); err != nil {
			return fmt.Errorf("initializing mesh: %w", err)
		}
	}

	if opts.test {
		nlog.Infof("--test: gateway started on port %d, exiting", opts.port)
		gw.Stop()
		return nil
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	nlog.Infof("shutting down")
	gw.Stop()
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		nlog.Errorf("%v", err)
		os.Exit(1)
	}
}
