// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import "time"

const (
	// pairingTimeout is the maximum amount of time a locally initiated pairing
	// request may stay unanswered before it is abandoned.
	pairingTimeout = 20 * time.Second

	// rsaKeyBits is the size of the identity keypair generated on first run.
	rsaKeyBits = 2048
)
