package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameLen bounds a frame's declared payload size. Protocol messages are
// tens of bytes; anything larger is a corrupt or hostile stream.
const MaxFrameLen = 1 << 16

// WriteJSONFrame writes obj as one length-prefixed JSON frame.
func WriteJSONFrame(dst io.Writer, obj interface{}) error {
	var payload bytes.Buffer
	if err := json.NewEncoder(&payload).Encode(obj); err != nil {
		return errors.Wrap(err, "encode frame payload")
	}
	if err := binary.Write(dst, binary.BigEndian, int32(payload.Len())); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := dst.Write(payload.Bytes()); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadJSONFrame reads one frame written by WriteJSONFrame into obj.
func ReadJSONFrame(src io.Reader, obj interface{}) error {
	var frameLen int32
	if err := binary.Read(src, binary.BigEndian, &frameLen); err != nil {
		return errors.Wrap(err, "read frame length")
	}
	if frameLen < 0 || frameLen > MaxFrameLen {
		return errors.Errorf("implausible frame length %d", frameLen)
	}
	data := make([]byte, frameLen)
	if _, err := io.ReadFull(src, data); err != nil {
		return errors.Wrapf(err, "read frame payload of %d bytes", frameLen)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return errors.Wrap(err, "decode frame payload")
	}
	return nil
}
