package schema

// ChangeSet is a batch of block and operation rows exchanged between
// replicas. Deletions travel as rows whose SyncStatus is SyncDeleted and
// which carry only their identity and version.
type ChangeSet struct {
	Blocks     []*Block     `json:"blocks"`
	Operations []*Operation `json:"operations"`
}

// NewChangeSet returns an empty change set with non-nil slices so that it
// encodes as empty JSON arrays.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Blocks:     []*Block{},
		Operations: []*Operation{},
	}
}

// Empty reports whether the set carries no rows.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Blocks) == 0 && len(c.Operations) == 0)
}

// Len returns the total number of rows in the set.
func (c *ChangeSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Blocks) + len(c.Operations)
}

// Normalize replaces nil slices with empty ones. Decoded payloads may omit
// either collection.
func (c *ChangeSet) Normalize() *ChangeSet {
	if c == nil {
		return NewChangeSet()
	}
	if c.Blocks == nil {
		c.Blocks = []*Block{}
	}
	if c.Operations == nil {
		c.Operations = []*Operation{}
	}
	return c
}

// ApplyResult counts what happened to each incoming row of a merge.
type ApplyResult struct {
	Applied  int `json:"applied"`  // inserted or overwritten
	Deleted  int `json:"deleted"`  // removed because of an incoming deletion
	Skipped  int `json:"skipped"`  // version not newer, or block number collision
	Orphaned int `json:"orphaned"` // operation whose block does not exist locally

	// Conflicts lists incoming blocks skipped because their block number
	// belongs to a different local block.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Add accumulates other into r.
func (r *ApplyResult) Add(other ApplyResult) {
	r.Applied += other.Applied
	r.Deleted += other.Deleted
	r.Skipped += other.Skipped
	r.Orphaned += other.Orphaned
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
}
