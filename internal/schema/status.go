package schema

// Status is the production state of a block, always derived from its
// operations.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// DeriveStatus computes the status of a block from its operations.
//
// Only the latest attempt of each operation name counts, so a failed step
// that was retried successfully no longer marks the block as failed.
// A block is completed once every name in required has a successful latest
// attempt; with no required names any non-empty, all-successful history is
// completed.
func DeriveStatus(ops []Operation, required []string) Status {
	if len(ops) == 0 {
		return StatusInProgress
	}

	latest := make(map[string]bool, len(ops))
	for _, op := range ops {
		latest[op.Name] = op.Success
	}

	for _, ok := range latest {
		if !ok {
			return StatusError
		}
	}

	for _, name := range required {
		if !latest[name] {
			return StatusInProgress
		}
	}
	return StatusCompleted
}
