// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// envelopesSentMeter counts envelopes successfully handed to a transport,
	// labelled by their pre-seal type.
	envelopesSentMeter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearnet_envelopes_sent_total",
		Help: "Envelopes handed off to a transport",
	}, []string{"type"})

	// envelopesDroppedMeter counts envelopes that found no usable link.
	envelopesDroppedMeter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nearnet_envelopes_dropped_total",
		Help: "Envelopes dropped because every link refused them",
	})

	// envelopesReceivedMeter counts envelopes arriving from any link, labelled
	// by their on-wire type.
	envelopesReceivedMeter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearnet_envelopes_received_total",
		Help: "Envelopes received from transports",
	}, []string{"type"})

	// decryptFailureMeter counts sealed envelopes the local key failed to open.
	decryptFailureMeter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nearnet_decrypt_failures_total",
		Help: "Sealed envelopes that failed to open",
	})

	// pairingMeter counts terminal pairing outcomes.
	pairingMeter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearnet_pairings_total",
		Help: "Pairing attempts by outcome",
	}, []string{"outcome"})
)
