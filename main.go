package main

import (
	"context"
	"log"
	"strings"
	"time"

	"ConnectSphere/global/config"
	"ConnectSphere/logger"
	"ConnectSphere/middleware"
	"ConnectSphere/service/natsx"
	"ConnectSphere/service/relay"
	"ConnectSphere/service/storage"
	"ConnectSphere/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	ids.SetNodeID(int64(cfg.NodeID))

	// Fanout bus. Unreachable at startup is fatal; afterwards the client
	// reconnects on its own and publishes fail fast in between.
	bus, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers:     strings.Split(cfg.NATSUrl, ","),
		Name:        cfg.GatewayID,
		TLSInsecure: cfg.NATSTLSInsecure,
	}, natsx.NatsxRecover())
	if err != nil {
		log.Fatalf("nats connect failed: %v", err)
	}
	defer func() { _ = bus.Close() }()

	for _, r := range []natsx.NatsxRoute{
		{Biz: relay.BizMessages, Subject: "relay.messages"},
		{Biz: relay.BizRooms, Subject: "relay.rooms"},
	} {
		if err := bus.RegisterRoute(r); err != nil {
			log.Fatalf("register route %s: %v", r.Biz, err)
		}
	}

	// Resume cache: shared via Redis when configured, in-process otherwise.
	var resume storage.ResumeStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		resume = storage.NewRedisResume(rdb)
		logger.Infof("[main] resume store: redis %s", cfg.RedisAddr)
	} else {
		resume = storage.NewMemResume(10 * time.Second)
		logger.Infof("[main] resume store: memory")
	}

	reg := relay.NewRegistry()
	srv := relay.NewServer(cfg, bus, reg, resume)
	if err := srv.StartFanout(); err != nil {
		log.Fatalf("bus subscribe failed: %v", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.AllowedOrigin))

	r.GET("/realtime", srv.HandleRealtime)
	r.POST("/realtime/send", srv.HandleSend)
	r.GET("/healthz", srv.HandleHealth)

	logger.Infof("[main] relay %s listening on %s (nats=%s)", cfg.GatewayID, cfg.ListenAddr, cfg.NATSUrl)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
