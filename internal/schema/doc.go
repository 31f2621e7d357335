// Package schema defines the record shapes shared by the store, the tracker
// facade and the sync protocol.
//
// # Overview
//
// Two collections are tracked:
//
//   - Block: one manufactured unit moving through the production line
//   - Operation: one step performed against a block (flashing, calibration, ...)
//
// Operations are stored as separate rows that reference their block by id.
// Block.Operations is never persisted on the block row; it is materialized
// at read time by the store.
//
// # Versioning
//
// Every row carries a SyncStatus and a ServerVersion. ServerVersion only
// grows and is the single signal used to settle conflicts between replicas:
// an incoming row replaces the local one only when its version is strictly
// greater.
//
//	local := &schema.Block{ID: "b1", ServerVersion: 3}
//	incoming := &schema.Block{ID: "b1", ServerVersion: 4}
//	schema.Supersedes(incoming.ServerVersion, local.ServerVersion) // true
//
// # Derived status
//
// The production status of a block (completed, in progress, error) is never
// stored. Use DeriveStatus on the block's operations instead.
//
// # Record files
//
// ReadRecordFile and WriteRecordFile move blocks in and out of JSON or YAML
// files, picking the codec from the file extension:
//
//	blocks, err := schema.ReadRecordFile("inbox/shift-2.yaml")
//	err = schema.WriteRecordFile("export.json", blocks)
package schema
