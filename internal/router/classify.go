package router

import (
	"errors"
	"strings"
)

// codeExecutionReverted is the JSON-RPC error code geth uses for reverts.
const codeExecutionReverted = 3

// Substrings of error messages produced by a node rejecting a call or
// transaction on its merits. Sending the same request elsewhere gives the
// same answer.
var blockchainErrorSignatures = []string{
	"execution reverted",
	"revert",
	"insufficient funds",
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
	"transaction underpriced",
	"invalid sender",
	"intrinsic gas too low",
	"gas required exceeds allowance",
	"could not resolve name",
	"unconfigured name",
	"ens name",
}

// Some nodes report an overloaded estimator with this prefix and no revert
// reason. That is infrastructure noise, not a verdict on the transaction.
const gasEstimationNoise = "failed to estimate gas"

// IsBlockchainError reports whether err is a transaction or call failure
// that no other upstream would answer differently.
func IsBlockchainError(err error) bool {
	if err == nil {
		return false
	}

	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) && coded.ErrorCode() == codeExecutionReverted {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, gasEstimationNoise) && !strings.Contains(msg, "execution reverted") {
		return false
	}
	for _, sig := range blockchainErrorSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
