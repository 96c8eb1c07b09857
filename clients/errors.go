package clients

import "errors"

// Settlement errors fall into three classes the orchestrator treats
// differently: reverts are terminal, indeterminate outcomes require
// reconciliation, and pre-broadcast failures are safe to mark failed.
var (
	// ErrOnChainRevert: the contract rejected the transfer. Terminal.
	ErrOnChainRevert = errors.New("settlement contract reverted")

	// ErrTimeout: the transaction was broadcast but no receipt arrived in
	// time. The transfer may still land; never assume failure.
	ErrTimeout = errors.New("settlement confirmation timed out")

	// ErrNetwork: the RPC call failed mid-broadcast. Outcome unknown.
	ErrNetwork = errors.New("network error during settlement")

	// ErrNotBroadcast: the failure happened before any transaction left the
	// gateway. Safe to mark failed immediately.
	ErrNotBroadcast = errors.New("settlement failed before broadcast")
)

// IsRevert reports whether err is a terminal contract rejection.
func IsRevert(err error) bool {
	return errors.Is(err, ErrOnChainRevert)
}

// IsIndeterminate reports whether the settlement outcome is unknown and must
// be reconciled against the chain before a terminal state is recorded.
func IsIndeterminate(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

// IsNotBroadcast reports whether the failure preceded any broadcast.
func IsNotBroadcast(err error) bool {
	return errors.Is(err, ErrNotBroadcast)
}
