package storage

import "golang.org/x/xerrors"

var (
	ErrChildExists            = xerrors.New("child exists")
	ErrChildNotExist          = xerrors.New("child does not exist")
	ErrHasChildren            = xerrors.New("disk has children")
	ErrParentNotExist         = xerrors.New("parent does not exist")
	ErrSnapshotAlreadyPending = xerrors.New("snapshot is already being created")
	ErrSnapshotFinished       = xerrors.New("snapshot is already committed or rolled back")
	ErrInvalidName            = xerrors.New("invalid disk name")
)
