package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidReason = errors.New("invalid ledger reason")
	ErrInvalidAmount = errors.New("invalid credit amount")
)

// InconsistencyError reports a session whose cached balance disagrees with
// the sum of its ledger, or whose entries fail their checksum. It is an
// integrity failure, never an expected runtime condition.
type InconsistencyError struct {
	SessionID    string
	Cached       int64
	LedgerSum    int64
	BadChecksums []int64 // entry ids
}

func (e *InconsistencyError) Error() string {
	if len(e.BadChecksums) > 0 {
		return fmt.Sprintf("ledger inconsistency for session %s: cached=%d ledger=%d bad_checksums=%v",
			e.SessionID, e.Cached, e.LedgerSum, e.BadChecksums)
	}
	return fmt.Sprintf("ledger inconsistency for session %s: cached=%d ledger=%d", e.SessionID, e.Cached, e.LedgerSum)
}
