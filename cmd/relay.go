// Copyright 2022 The wsrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/apis"
	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/alwitt/wsrelay/delivery"
	"github.com/alwitt/wsrelay/registry"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineRouter define the delivery router selected by the delivery config
func defineRouter(
	config common.DeliveryConfig, natsClient *core.NatsClient, instance string,
) (delivery.Router, error) {
	timeout := time.Millisecond * time.Duration(config.Timeout)
	hub, err := delivery.GetLocalHub(instance, timeout)
	if err != nil {
		return nil, err
	}
	switch config.Mode {
	case "local":
		return hub, nil
	case "nats":
		if natsClient == nil {
			return nil, fmt.Errorf("delivery mode 'nats' requires a NATS client")
		}
		return delivery.GetNatsBridge(
			natsClient, hub, config.NATS.SubjectPrefix, timeout, instance,
		)
	default:
		return nil, fmt.Errorf("unknown delivery mode '%s'", config.Mode)
	}
}

// RunRelayServer run the relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	redisClient *core.RedisClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	if err := common.GetConfigValidator().Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Relay config rejected")
		return err
	}

	store, err := registry.DefineStore(config.Registry, natsClient, redisClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection record store")
		return err
	}

	router, err := defineRouter(config.Delivery, natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery router")
		return err
	}

	lifecycle, err := relay.GetLifecycleManager(store, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle manager")
		return err
	}
	var onGone relay.StaleRecordHandler
	if config.Delivery.CleanupStaleRecords {
		onGone = relay.GetStaleRecordCleaner(store, instance)
	}
	broadcaster, err := relay.GetBroadcaster(store, router, relay.BroadcasterParam{
		MaxParallelDelivery: config.Delivery.MaxParallel, OnGone: onGone,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}
	relayCore, err := relay.GetRelay(lifecycle, broadcaster, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return err
	}

	httpCfg := &config.Relay.HTTPSetting
	wsCfg := config.Delivery.WebSocket
	restHandler, err := apis.GetAPIRestRelayHandler(
		relayCore, store, router, onGone, wsCfg.MaxMessageSize, httpCfg, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST handler")
		return err
	}
	edgeHandler, err := apis.GetWebSocketEdgeHandler(
		relayCore,
		router,
		delivery.WebSocketSessionParam{
			SendQueueLength: wsCfg.SendQueueLength,
			WriteTimeout:    time.Second * time.Duration(wsCfg.WriteTimeout),
			PingInterval:    time.Second * time.Duration(wsCfg.PingInterval),
			PongTimeout:     time.Second * time.Duration(wsCfg.PongTimeout),
			MaxMessageSize:  wsCfg.MaxMessageSize,
		},
		runTimeContext,
		wg,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpRouter := apis.DefineRelayRouter(
		restHandler,
		edgeHandler,
		apis.GetRequestTracker(httpCfg, instance),
		config.Relay.Endpoints.PathPrefix,
		config.Relay.Endpoints.MetricsPath,
	)

	serverListen := fmt.Sprintf(
		"%s:%d", httpCfg.Server.ListenOn, httpCfg.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpCfg.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpCfg.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.Server.IdleTimeout),
		Handler:      h2c.NewHandler(httpRouter, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
