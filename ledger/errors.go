package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind separates failures the user can act on from transport noise.
type ErrorKind int

const (
	// KindTransport covers RPC, signing, broadcast and confirmation failures.
	KindTransport ErrorKind = iota
	// KindPrecondition means the remote state refused the write (full, started, reverted, ...).
	KindPrecondition
)

func (k ErrorKind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	default:
		return "transport"
	}
}

var (
	// ErrNoSigner is returned when a write is attempted without a signing context.
	ErrNoSigner = errors.New("ledger: signer required")
	// ErrReverted is the reason recorded when a mined transaction failed.
	ErrReverted = errors.New("ledger: transaction reverted")
)

// TxError is the typed failure of every write path.
type TxError struct {
	Op     string
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ledger: %s: %s", e.Op, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed", e.Op)
}

func (e *TxError) Unwrap() error { return e.Err }

func preconditionError(op, reason string) *TxError {
	return &TxError{Op: op, Kind: KindPrecondition, Reason: reason}
}

func transportError(op string, err error) *TxError {
	return &TxError{Op: op, Kind: KindTransport, Err: err}
}

// IsPrecondition reports whether err is a remote-state precondition violation.
func IsPrecondition(err error) bool {
	var txErr *TxError
	return errors.As(err, &txErr) && txErr.Kind == KindPrecondition
}

// UserMessage renders err as a short human-readable string. Raw transport payloads
// are never exposed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		if txErr.Kind == KindPrecondition && txErr.Reason != "" {
			return txErr.Reason
		}
		return "network error, please retry"
	}
	return "request failed"
}

// classify converts a simulation or estimation failure into a TxError, decoding
// the Solidity revert reason when the node returned one.
func classify(op string, err error) *TxError {
	if err == nil {
		return nil
	}
	if reason, ok := revertReason(err); ok {
		return &TxError{Op: op, Kind: KindPrecondition, Reason: reason, Err: err}
	}
	return transportError(op, err)
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}
