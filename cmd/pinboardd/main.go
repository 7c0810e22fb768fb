// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/config"
	"gitlab.com/pinboard/pinboardd/network/p2p"
	"gitlab.com/pinboard/pinboardd/node"
	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/node/mining"
	"gitlab.com/pinboard/pinboardd/node/pinboard"
	"gitlab.com/pinboard/pinboardd/types/chaincfg"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// printDelay is how long --print waits for the overlay to gossip pins to
// us before dumping the store.
const printDelay = 30 * time.Second

// syncPollInterval is how often --submit re-checks chain synchronization.
const syncPollInterval = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := cfg.NewLogger()
	defer logger.Sync()
	log := logger.With(zap.String("unit", "main"))

	params := cfg.Params()

	checkpoint, err := params.CheckpointHeader()
	if err != nil {
		log.Error("wrong checkpoint", zap.Error(err))
		return 1
	}
	log.Info("checkpoint verified",
		zap.String("hash", params.Checkpoint.Hash.String()),
		zap.Int32("height", params.Checkpoint.Height))

	self, haveSelf := cfg.Self(log)
	var listeners []string
	if haveSelf {
		listeners = []string{fmt.Sprintf(":%d", cfg.InboundPort)}
	} else {
		log.Warn("no external address, inbound connections disabled")
	}

	broadcaster := node.NewMessageBroadcaster()
	chain := chainsync.New(checkpoint, params.PowLimitBits, broadcaster, logger)
	pins := pinboard.New(broadcaster, chain, chaincfg.MinPinTarget(), logger)
	pins.Start()
	defer pins.Stop()

	p2pCfg := &p2p.Config{
		ChainParams:      params,
		Listeners:        listeners,
		ConnectPeers:     cfg.ConnectTo,
		MaxInbound:       cfg.MaxInbound,
		TargetOutbound:   cfg.MaxOutbound,
		MaxAddresses:     cfg.MaxAddresses,
		HostsFile:        cfg.HostsFile,
		DisableDNSSeed:   cfg.DontUseSeeds,
		Proxy:            cfg.Proxy,
		Self:             self,
		UserAgentName:    "pinboardd",
		UserAgentVersion: "0.2.0",
		Logger:           logger,
	}

	server, err := p2p.NewServer(p2pCfg, chain, pins)
	if err != nil {
		log.Error("can't create server", zap.Error(err))
		return 1
	}
	broadcaster.LinkToNode(server)
	server.Start()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	result := make(chan int, 1)

	switch {
	case cfg.Print:
		go func() { result <- printAndExit(pins, log) }()
	case cfg.Submit:
		go func() { result <- submitAndExit(cfg.SubmitBody, chain, broadcaster, log) }()
	}

	exitCode := 0
	select {
	case sig := <-interrupt:
		log.Info("signal caught, shutting down", zap.String("signal", sig.String()))
	case exitCode = <-result:
	}

	if err := server.Stop(); err != nil {
		log.Warn("server stop failed", zap.Error(err))
		exitCode = 1
	}
	server.WaitForShutdown()
	log.Info("shutdown complete")

	return exitCode
}

// printAndExit waits for the overlay to deliver pins and dumps the store.
func printAndExit(pins *pinboard.Pinboard, log *zap.Logger) int {
	time.Sleep(printDelay)
	fmt.Println(pins.String())
	return 0
}

// submitAndExit waits for header sync, mines a certificate for the message
// body and broadcasts the resulting pin.
func submitAndExit(body []byte, chain *chainsync.SyncState,
	broadcaster *node.MessageBroadcaster, log *zap.Logger) int {

	time.Sleep(syncPollInterval)
	for !chain.IsSynchronized() {
		log.Info("waiting for blockchain sync ...")
		time.Sleep(syncPollInterval)
	}

	log.Info("starting miner ...")
	payload := wire.NewObjectPayload(body)
	miner := mining.New(payload, chain, log)

	target := chaincfg.MinPinTarget()
	if err := miner.Mine(context.Background(), target); err != nil {
		log.Error("mining failed", zap.Error(err))
		return 1
	}

	workDone, _ := payload.WorkDone()
	log.Info("certificate mined",
		zap.Uint64("nonce", payload.Pow.Nonce),
		zap.String("work done", workDone.String()))

	errc := make(chan error, 1)
	broadcaster.BroadcastToPinPeers(wire.NewMsgObject(payload), func(err error) {
		errc <- err
	})

	if err := <-errc; err != nil {
		log.Warn("broadcasting failed", zap.Error(err))
		return 1
	}
	log.Info("broadcasting succeeded")
	return 0
}
