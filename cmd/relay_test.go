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
	"strings"
	"sync"
	"testing"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestRunRelayServerRejectsLocalDeliveryOnSharedRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(viper.Unmarshal(&config))

	// Local delivery only reaches this node's sockets
	for _, backend := range []string{"redis", "nats"} {
		config.Registry.Backend = backend
		config.Delivery.Mode = "local"
		wg := &sync.WaitGroup{}
		err := RunRelayServer(context.Background(), &config, "ut-cmd", nil, nil, wg)
		assert.NotNil(err, backend)
		assert.True(strings.Contains(err.Error(), "shared_registry_requires_nats"), backend)
	}
}
