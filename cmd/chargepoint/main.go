package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/charge-point-client/internal/boot"
	"github.com/charging-platform/charge-point-client/internal/config"
	"github.com/charging-platform/charge-point-client/internal/core"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/transport/websocket"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: time.RFC3339,
		Async:      cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Infof("Starting %s %s (%s)", cfg.App.Name, cfg.App.Version, cfg.Identity.ChargePointID)

	// 3. 初始化持久化存储
	fs, err := filestore.NewLocal(cfg.Storage.Root)
	if err != nil {
		log.Fatalf("Failed to initialize file store: %v", err)
	}

	// 4. 初始化WebSocket连接
	wsConfig := &websocket.Config{
		URL:              cfg.CSMS.URL,
		Subprotocol:      cfg.OCPP.ProtocolVersion,
		HandshakeTimeout: cfg.CSMS.HandshakeTimeout,
		WriteTimeout:     cfg.CSMS.WriteTimeout,
		PingInterval:     cfg.CSMS.PingInterval,
		PongTimeout:      cfg.CSMS.PongTimeout,
		MaxMessageSize:   cfg.CSMS.MaxMessageSize,
		ReconnectMin:     cfg.CSMS.ReconnectMin,
		ReconnectMax:     cfg.CSMS.ReconnectMax,
		InboundBuffer:    32,
	}
	conn := websocket.NewClient(wsConfig, log)

	// 5. 组装客户端
	ctx, err := core.New(core.Options{
		Connection:  conn,
		FileStore:   fs,
		Log:         log,
		Connectors:  cfg.Identity.Connectors,
		ProtocolVersion: cfg.OCPP.ProtocolVersion,
		Identity: boot.Identity{
			ChargePointVendor:       cfg.Identity.Vendor,
			ChargePointModel:        cfg.Identity.Model,
			ChargePointSerialNumber: cfg.Identity.SerialNumber,
			FirmwareVersion:         cfg.Identity.FirmwareVersion,
		},
		ExecuteReset: func(isHard bool) {
			log.Infof("Reset requested (hard=%v), exiting", isHard)
			os.Exit(0)
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize client: %v", err)
	}
	ctx.SC.SetNominalVoltage(cfg.OCPP.NominalVoltage)

	// 6. 指标端点
	if cfg.Monitoring.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Monitoring.MetricsAddr, mux); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		log.Infof("Metrics server listening on %s", cfg.Monitoring.MetricsAddr)
	}

	// 7. 主循环
	conn.Start()
	defer conn.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.OCPP.LoopInterval)
	defer ticker.Stop()

	log.Info("Charge point client running")
	for {
		select {
		case <-ticker.C:
			ctx.Loop()
		case sig := <-sigChan:
			log.Infof("Received signal %v, shutting down", sig)
			return
		}
	}
}
