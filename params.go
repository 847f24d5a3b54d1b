// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params

	// pruneAfterHeight is the height below which automatic pruning never
	// activates for the network.
	pruneAfterHeight uint32
}

// mainNetParams contains parameters specific to the main network.
var mainNetParams = params{
	Params:           &chaincfg.MainNetParams,
	pruneAfterHeight: 100000,
}

// testNet3Params contains parameters specific to the test network (version 3).
var testNet3Params = params{
	Params:           &chaincfg.TestNet3Params,
	pruneAfterHeight: 1000,
}

// simNetParams contains parameters specific to the simulation test network.
var simNetParams = params{
	Params:           &chaincfg.SimNetParams,
	pruneAfterHeight: 100,
}

// regNetParams contains parameters specific to the regression test network.
var regNetParams = params{
	Params:           &chaincfg.RegressionNetParams,
	pruneAfterHeight: 100,
}
