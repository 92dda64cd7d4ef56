package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition. Each host
// numbers its hook notifications from zero.
// Not thread-safe: only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering without advancing the
// partition. The caller advances with Observe once the notification's
// outcome is final. Redelivered duplicates below the cursor pass.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		return &SequenceError{Partition: partition, Expected: expected, Got: sourceSequence}
	}
	if sourceSequence > expected {
		return &SequenceError{Partition: partition, Expected: expected, Got: sourceSequence, Gap: true}
	}
	return nil
}

// Observe advances a partition past sourceSequence. It never moves a
// partition backwards.
func (sv *SequenceValidator) Observe(partition string, sourceSequence int64) {
	if sourceSequence+1 > sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// GetExpectedSequence returns the next source sequence the partition accepts.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of every partition's next sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, s := range sv.expectedNextSeq {
		out[p] = s
	}
	return out
}

// SequenceError reports an out-of-order or gapped source sequence.
type SequenceError struct {
	Partition string
	Expected  int64
	Got       int64
	Gap       bool
}

func (e *SequenceError) Error() string {
	if e.Gap {
		return fmt.Sprintf("sequence gap: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
	}
	return fmt.Sprintf("out-of-order event: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
}
