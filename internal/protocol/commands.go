package protocol

// Command verbs understood by snapshot contractors.
const (
	CmdSnapshot    = "snapshot"
	SnapshotCommit = "commit"
)

// Contract description keys.
const (
	KeyModel     = "model"
	KeyArch      = "arch"
	KeyOS        = "os"
	KeyDiskStems = "disk_stems"
	KeyName      = "name"
)

// NewSnapshotCommit asks the contractor to keep the snapshot the machine was
// booted from.
func NewSnapshotCommit() Object {
	return Object{CmdSnapshot: SnapshotCommit}
}

// FailureResult is the result_description a contractor reports when a command
// failed with err.
func FailureResult(err error) Object {
	return Object{"exception": err.Error()}
}
