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

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/delivery"
	"github.com/alwitt/wsrelay/metrics"
	"github.com/alwitt/wsrelay/registry"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// Outcome classification of one delivery attempt
type Outcome string

// Delivery outcomes
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeGone      Outcome = "gone"
	OutcomeTransient Outcome = "transient"
)

// DeliveryOutcome result of delivering a broadcast to one recipient
type DeliveryOutcome struct {
	// ConnectionID is the recipient
	ConnectionID string
	// Outcome is the classification of the attempt
	Outcome Outcome
	// Err is the delivery failure, if any
	Err error
}

// BroadcastReport per-recipient results of one broadcast
type BroadcastReport struct {
	// SenderID is the originating connection. Empty for server-originated broadcasts.
	SenderID string
	// Outcomes one entry per recipient, in no particular order
	Outcomes []DeliveryOutcome
}

func (r BroadcastReport) count(outcome Outcome) int {
	total := 0
	for _, entry := range r.Outcomes {
		if entry.Outcome == outcome {
			total++
		}
	}
	return total
}

// Delivered number of recipients which accepted the payload
func (r BroadcastReport) Delivered() int {
	return r.count(OutcomeDelivered)
}

// Gone number of recipients found to no longer exist
func (r BroadcastReport) Gone() int {
	return r.count(OutcomeGone)
}

// Failed number of recipients which could not be reached for other reasons
func (r BroadcastReport) Failed() int {
	return r.count(OutcomeTransient)
}

// StaleRecordHandler is called when a recipient is found to no longer exist
type StaleRecordHandler func(ctxt context.Context, connectionID string)

// GetStaleRecordCleaner define a StaleRecordHandler which removes the record from the store.
//
// Removal is best effort; failures are logged only.
func GetStaleRecordCleaner(store registry.Store, instance string) StaleRecordHandler {
	logTags := log.Fields{
		"module": "relay", "component": "stale-record-cleaner", "instance": instance,
	}
	return func(ctxt context.Context, connectionID string) {
		if err := store.Delete(ctxt, connectionID); err != nil {
			log.WithError(err).WithFields(common.UpdateLogTags(ctxt, logTags)).Errorf(
				"Unable to remove stale CONN[%s]", connectionID,
			)
			return
		}
		metrics.StaleRecordsRemoved.Inc()
		log.WithFields(common.UpdateLogTags(ctxt, logTags)).Infof(
			"Removed stale CONN[%s]", connectionID,
		)
	}
}

// Broadcaster fans a payload out to every registered connection except the sender
type Broadcaster interface {
	// Broadcast deliver the payload to every registered connection except the sender.
	//
	// Returns an error only if the set of recipients could not be read. Individual
	// delivery failures are reported in the BroadcastReport.
	Broadcast(ctxt context.Context, senderID string, payload []byte) (BroadcastReport, error)
}

// BroadcasterParam broadcaster parameters
type BroadcasterParam struct {
	// MaxParallelDelivery max number of concurrent deliveries per broadcast. 0 is unbounded.
	MaxParallelDelivery int
	// OnGone handles recipients found to no longer exist. nil disables stale record cleanup.
	OnGone StaleRecordHandler
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	store     registry.Store
	transport delivery.Transport
	param     BroadcasterParam
}

// GetBroadcaster define a new fan-out broadcaster
func GetBroadcaster(
	store registry.Store,
	transport delivery.Transport,
	param BroadcasterParam,
	instance string,
) (Broadcaster, error) {
	if param.MaxParallelDelivery < 0 {
		return nil, fmt.Errorf(
			"max parallel delivery can not be negative, got %d", param.MaxParallelDelivery,
		)
	}
	logTags := log.Fields{
		"module": "relay", "component": "broadcaster", "instance": instance,
	}
	return &broadcasterImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		transport: transport,
		param:     param,
	}, nil
}

// Broadcast deliver the payload to every registered connection except the sender
func (b *broadcasterImpl) Broadcast(
	ctxt context.Context, senderID string, payload []byte,
) (BroadcastReport, error) {
	logTags := common.UpdateLogTags(ctxt, b.LogTags)
	started := time.Now()
	report := BroadcastReport{SenderID: senderID}

	records, err := b.store.ScanAll(ctxt)
	if err != nil {
		metrics.Broadcasts.WithLabelValues(metrics.StatusError).Inc()
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to list recipients of broadcast from CONN[%s]", senderID,
		)
		return report, fmt.Errorf("recipient scan failed: %w", err)
	}

	recipients := make([]string, 0, len(records))
	for _, record := range records {
		if record.ID != senderID {
			recipients = append(recipients, record.ID)
		}
	}

	report.Outcomes = make([]DeliveryOutcome, len(recipients))
	group := errgroup.Group{}
	if b.param.MaxParallelDelivery > 0 {
		group.SetLimit(b.param.MaxParallelDelivery)
	}
	for idx, recipient := range recipients {
		idx, recipient := idx, recipient
		group.Go(func() error {
			report.Outcomes[idx] = b.deliver(ctxt, logTags, recipient, payload)
			return nil
		})
	}
	_ = group.Wait()

	metrics.Broadcasts.WithLabelValues(metrics.StatusSuccess).Inc()
	metrics.BroadcastDuration.Observe(time.Since(started).Seconds())
	log.WithFields(logTags).Debugf(
		"Broadcast from CONN[%s] to %d recipients: %d delivered, %d gone, %d failed",
		senderID,
		len(recipients),
		report.Delivered(),
		report.Gone(),
		report.Failed(),
	)
	return report, nil
}

// deliver push the payload to one recipient and classify the result
func (b *broadcasterImpl) deliver(
	ctxt context.Context, logTags log.Fields, recipient string, payload []byte,
) DeliveryOutcome {
	result := DeliveryOutcome{ConnectionID: recipient, Outcome: OutcomeDelivered}
	err := b.transport.DeliverTo(ctxt, recipient, payload)
	switch {
	case err == nil:
	case delivery.IsGone(err):
		result.Outcome = OutcomeGone
		result.Err = err
		log.WithFields(logTags).Debugf("CONN[%s] is gone", recipient)
		if b.param.OnGone != nil {
			b.param.OnGone(ctxt, recipient)
		}
	default:
		result.Outcome = OutcomeTransient
		result.Err = err
		log.WithError(err).WithFields(logTags).Warnf("Delivery to CONN[%s] failed", recipient)
	}
	metrics.Deliveries.WithLabelValues(string(result.Outcome)).Inc()
	return result
}
