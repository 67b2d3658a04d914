package patch

import (
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-remote-run/internal/wire"
)

// Frame is a decoded patch record.
type Frame struct {
	Type    RecordType
	Path    string
	Content []byte // nil for deletes
}

// Decode parses a patch stream up to and including the end marker.
func Decode(r io.Reader) ([]Frame, error) {
	wr := wire.NewReader(r)
	var frames []Frame
	for {
		b, err := wr.ReadOctet()
		if err != nil {
			return frames, fmt.Errorf("read frame %d type: %w", len(frames), unexpectedEOF(err))
		}
		typ := RecordType(b)
		path, err := wr.ReadUTF8String()
		if err != nil {
			return frames, fmt.Errorf("read frame %d path: %w", len(frames), unexpectedEOF(err))
		}

		switch typ {
		case TypeEnd:
			if path != "" {
				return frames, fmt.Errorf("end marker carries non-empty path %q", path)
			}
			return frames, nil
		case TypeDeleted:
			frames = append(frames, Frame{Type: typ, Path: path})
		case TypeAdded, TypeReplaced:
			n, err := wr.ReadInt64()
			if err != nil {
				return frames, fmt.Errorf("read frame %d length: %w", len(frames), unexpectedEOF(err))
			}
			content, err := wr.ReadN(n)
			if err != nil {
				return frames, fmt.Errorf("read frame %d content: %w", len(frames), unexpectedEOF(err))
			}
			frames = append(frames, Frame{Type: typ, Path: path, Content: content})
		default:
			return frames, fmt.Errorf("unsupported frame type %s at frame %d", typ, len(frames))
		}
	}
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
