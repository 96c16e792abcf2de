/*
Package storage provides BoltDB-backed persistence for state that must
outlive the coordination store.

Two kinds of records live here: device registrations, reloaded by the
distributor at start, and terminal job results, archived by the queue's
cleanup loop before it prunes a job from the coordination store. All
records are JSON encoded, one bucket per kind.

	┌──────────── <dataDir>/hive.db ────────────┐
	│                                           │
	│  devices   DeviceCapabilities by id       │
	│  results   JobResult by job id            │
	│                                           │
	└───────────────────────────────────────────┘

Reads run in db.View and may proceed concurrently; writes run in
db.Update and are serialized by bbolt. The file is locked by the opening
process, so only the scheduler opens the archive. Client commands read
results through the coordination store.

# Usage

	archive, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer archive.Close()

	if err := archive.SaveResult(result); err != nil {
		return err
	}

Missing records are reported as ErrNotFound.
*/
package storage
