package dcerpc

import "github.com/endorses/clawcat/internal/pkg/detect"

// MatchOpnum evaluates a rule criterion against the transaction's operation
// number.
func MatchOpnum(tx *Transaction, c detect.Criterion) bool {
	return c.Match(uint64(tx.Opnum))
}
