// Package main is a small G-Earth extension that logs every intercepted
// packet in both directions.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Faultbox/gearth/internal/config"
	"github.com/Faultbox/gearth/internal/logger"
	"github.com/Faultbox/gearth/pkg/ext"
	"github.com/Faultbox/gearth/pkg/packet"
)

func main() {
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	e, err := ext.New(ext.Info{
		Title:       "Packet Logger",
		Description: "Logs every intercepted packet",
		Version:     "1.0",
		Author:      "Faultbox",
	}, ext.Options{
		Port:     cfg.Port,
		Filename: cfg.Filename,
		Cookie:   cfg.Cookie,
	})
	if err != nil {
		logger.Error("failed to create extension", zap.Error(err))
		os.Exit(1)
	}

	logPacket := func(msg *packet.Message) {
		logger.Info("packet",
			zap.Stringer("direction", msg.Direction),
			zap.Int16("id", msg.Packet.HeaderID()),
			zap.Int32("length", msg.Packet.Length()))
	}
	e.Intercept(packet.ToClient, ext.All, ext.AsyncObserve, logPacket)
	e.Intercept(packet.ToServer, ext.All, ext.AsyncObserve, logPacket)

	e.OnEvent(ext.EventConnectionStart, func() {
		if info, ok := e.ConnectionInfo(); ok {
			logger.Info("game connected", zap.String("host", info.Host), zap.Int("port", info.Port))
		}
	})
	e.OnEvent(ext.EventConnectionEnd, func() {
		logger.Info("game disconnected")
	})

	if err := e.Start(); err != nil {
		logger.Error("extension error", zap.Error(err))
		os.Exit(1)
	}
	e.Wait()

	if cfg.Metrics {
		e.WriteMetrics(os.Stdout)
	}
	logger.Info("extension closed", zap.Uint64("lost_packets", e.LostPackets()))
}
