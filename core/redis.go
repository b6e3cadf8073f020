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

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis connection parameter
type RedisConnectParams struct {
	// ServerURI connect to Redis with URI, e.g. "redis://localhost:6379/0"
	ServerURI string `validate:"required,uri"`
	// DialTimeout max time to wait for a new connection
	DialTimeout time.Duration
}

// RedisClient wraps a go-redis client
type RedisClient struct {
	common.Component
	rdb *redis.Client
}

// GetRedisClient define a new Redis client
func GetRedisClient(param RedisConnectParams) (*RedisClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  param.ServerURI,
	}
	opts, err := redis.ParseURL(param.ServerURI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse Redis URI")
		return nil, fmt.Errorf("failed to parse redis URI: %w", err)
	}
	if param.DialTimeout > 0 {
		opts.DialTimeout = param.DialTimeout
	}
	log.WithFields(logTags).Info("Created Redis client")
	return &RedisClient{
		Component: common.Component{LogTags: logTags},
		rdb:       redis.NewClient(opts),
	}, nil
}

// Ping verifies the Redis connection
func (c *RedisClient) Ping(ctxt context.Context) error {
	return c.rdb.Ping(ctxt).Err()
}

// Close closes the Redis connection pool
func (c *RedisClient) Close() error {
	log.WithFields(c.LogTags).Info("Close Redis client")
	return c.rdb.Close()
}

// Redis returns the raw go-redis client
func (c *RedisClient) Redis() *redis.Client {
	return c.rdb
}
