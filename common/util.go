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

package common

import (
	"fmt"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// WithTags return a copy of the component log tags extended with additional fields
func (c Component) WithTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// GetUnitTestNatsURI helper function to fetch the NATS server URI for unit testing
//
// Returns empty string if NATS_HOST is not defined, in which case NATS backed tests
// should be skipped.
func GetUnitTestNatsURI() string {
	natsHost := os.Getenv("NATS_HOST")
	if natsHost == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:4222", natsHost)
}

// GetUnitTestRedisURI helper function to fetch the Redis server URI for unit testing
//
// Returns empty string if REDIS_HOST is not defined.
func GetUnitTestRedisURI() string {
	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		return ""
	}
	return fmt.Sprintf("redis://%s:6379/0", redisHost)
}
