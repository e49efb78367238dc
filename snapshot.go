package aggstore

// SnapshotFrequency is the fixed interval at which Store.Command
// persists a fresh full snapshot after applying an event: whenever the
// aggregate's new version is a multiple of SnapshotFrequency. Snapshots
// are an optimization only — correctness never depends on their
// presence, since keystore.Store.GetAggregate always falls back to
// folding events from scratch when no snapshot exists.
const SnapshotFrequency = 5

// shouldSnapshot reports whether a snapshot should be taken after an
// event brings the aggregate to the given version.
func shouldSnapshot(version uint64) bool {
	return version%SnapshotFrequency == 0
}
