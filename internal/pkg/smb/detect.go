package smb

import "github.com/endorses/clawcat/internal/pkg/detect"

// MatchCommand evaluates a rule criterion against the transaction's command
// code.
func MatchCommand(tx *Transaction, c detect.Criterion) bool {
	return c.Match(uint64(tx.Command))
}

// MatchNTStatus evaluates a rule criterion against the response status. Only
// meaningful once the response direction has completed.
func MatchNTStatus(tx *Transaction, c detect.Criterion) bool {
	return c.Match(uint64(tx.NTStatus))
}
