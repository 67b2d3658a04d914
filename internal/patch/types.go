// Package patch builds the binary patch stream uploaded to the build server
// when creating a personal change list.
//
// A patch is a sequence of frames, each one
//
//	[1-byte type][uint16 length + UTF-8 server path][payload]
//
// terminated by [type=10][empty string]. Create and replace frames carry
// the file contents as an int64 big-endian length followed by the raw
// bytes; delete frames carry no payload.
package patch

import "fmt"

// RecordType is the one-byte frame type. The values are fixed by the
// server protocol.
type RecordType byte

const (
	TypeDeleted  RecordType = 3
	TypeEnd      RecordType = 10
	TypeRenamed  RecordType = 19 // reserved, never written
	TypeReplaced RecordType = 25
	TypeAdded    RecordType = 26
)

func (t RecordType) String() string {
	switch t {
	case TypeDeleted:
		return "delete"
	case TypeEnd:
		return "end"
	case TypeRenamed:
		return "rename"
	case TypeReplaced:
		return "replace"
	case TypeAdded:
		return "create"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Status is the source-control disposition of a changed file.
type Status int

const (
	StatusUnknown Status = iota
	StatusAdded
	StatusDeleted
	StatusModified
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusDeleted:
		return "deleted"
	case StatusModified:
		return "modified"
	default:
		return "unknown"
	}
}

// ChangedResource is one locally changed file as reported by source control.
type ChangedResource struct {
	AbsolutePath string
	Status       Status
}

// CheckInInfo is the input of one remote run.
type CheckInInfo struct {
	Resources      []ChangedResource
	Message        string
	RepositoryRoot string // local repository root
	ServerRoot     string // server-side VCS root prefix
}

// Record is one frame written to the patch.
type Record struct {
	Type      RecordType
	Path      string // server-side path
	LocalPath string // empty for deletes
	Size      int64  // payload bytes, 0 for deletes
}

// SkippedFile is a resource left out of the patch because its local file
// could not be read.
type SkippedFile struct {
	ServerPath string `json:"server_path"`
	LocalPath  string `json:"local_path"`
	Reason     string `json:"reason"`
}

// File is a finished patch artifact on disk.
type File struct {
	Path    string
	Size    int64
	Records []Record
	Skipped []SkippedFile
}

// SkipPolicy controls what happens when a local file cannot be read while
// building the patch.
type SkipPolicy int

const (
	// SkipPolicySkip leaves the record out, logs it and lists it in
	// File.Skipped.
	SkipPolicySkip SkipPolicy = iota
	// SkipPolicyFail aborts the patch with a FileAccessError.
	SkipPolicyFail
)

// ParseSkipPolicy maps a config value to a SkipPolicy.
func ParseSkipPolicy(s string) (SkipPolicy, error) {
	switch s {
	case "", "skip":
		return SkipPolicySkip, nil
	case "fail":
		return SkipPolicyFail, nil
	default:
		return SkipPolicySkip, fmt.Errorf("unknown skip policy %q", s)
	}
}
