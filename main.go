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

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alwitt/wsrelay/cmd"
	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

// relayArgs are the process level options shared by all subcommands
type relayArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var args relayArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	args.Hostname = hostname
	logTags = log.Fields{"module": "main", "instance": hostname}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Name:    "wsrelay",
		Version: "v0.1.0",
		Usage:   "WebSocket message relay with a shared connection registry",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Emit logs as JSON",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &args.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				Destination: &args.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Relay config file. Built-in defaults apply when omitted.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &args.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "relay",
				Usage:       "Run the wsrelay server",
				Description: "Serves client websocket connections and the connection management REST API",
				Action:      startRelayServer,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Relay exited with error")
	}
}

// configureLogging applies the log format and level options
func configureLogging() error {
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level, err := log.ParseLevel(args.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// loadConfig validates the process options, then reads and validates the relay config
func loadConfig() (*common.SystemConfig, error) {
	if err := validator.New().Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid command line options")
		return nil, err
	}
	if err := configureLogging(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to configure logging")
		return nil, err
	}

	if args.ConfigFile != "" {
		viper.SetConfigFile(args.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to read %s", args.ConfigFile)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to parse %s", args.ConfigFile)
		return nil, err
	}
	if t, err := json.MarshalIndent(&config, "", "  "); err == nil {
		log.WithFields(logTags).Debugf("Effective config\n%s", t)
	}
	if err := common.GetConfigValidator().Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return nil, err
	}
	return &config, nil
}

// prepareNatsClient define the NATS client
func prepareNatsClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNatsClient(natsParam)
}

// prepareRedisClient define the Redis client
func prepareRedisClient(config common.RedisConfig) (*core.RedisClient, error) {
	client, err := core.GetRedisClient(core.RedisConnectParams{
		ServerURI:   config.ServerURI,
		DialTimeout: time.Second * time.Duration(config.DialTimeout),
	})
	if err != nil {
		return nil, err
	}
	ctxt, cancel := context.WithTimeout(
		context.Background(), time.Second*time.Duration(config.DialTimeout),
	)
	defer cancel()
	if err := client.Ping(ctxt); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// watchForShutdown cancels the runtime context on SIGINT or SIGTERM
func watchForShutdown(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.WithFields(logTags).Infof("Received %s, shutting down", sig)
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Relay subcommand

// startRelayServer run the relay server
//
// The backend clients are closed only after every tracked goroutine has exited,
// including the websocket edge handlers which unregister connections on the way out.
func startRelayServer(c *cli.Context) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()
	wg := &sync.WaitGroup{}

	var natsClient *core.NatsClient
	if config.UsesNATS() {
		natsClient, err = prepareNatsClient(config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer natsClient.Close(context.Background())
	}

	var redisClient *core.RedisClient
	if config.UsesRedis() {
		redisClient, err = prepareRedisClient(config.Redis)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to connect to Redis with %s", config.Redis.ServerURI,
			)
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Redis client close failed")
			}
		}()
	}

	watchForShutdown(wg, runTimeContext, rtCancel)

	err = cmd.RunRelayServer(
		runTimeContext, config, args.Hostname, natsClient, redisClient, wg,
	)
	rtCancel()
	wg.Wait()
	return err
}
