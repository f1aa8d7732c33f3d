// Package protocol implements the framing of messages exchanged between
// peers.
//
// Every message is a single frame: a big-endian uint32 payload length,
// followed by the payload. The payload is the verb and then each field,
// every one written as a uvarint length followed by its bytes. Fields are
// never escaped, so file names may contain any character.
//
// The only bytes sent outside of frames are the acknowledgment byte that a
// client sends after FILE_READY, and the raw file content that follows it.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/sidkik/peersync/pkg/errors"
)

// Requests.
const (
	GetFile   = "GET_FILE"
	SyncReq   = "SYNC_REQ"
	ListFiles = "LIST_FILES"
	DeleteReq = "DELETE_REQ"
	RenameReq = "RENAME_REQ"
)

// Responses.
const (
	FileReady    = "FILE_READY"
	FileNotFound = "FILE_NOT_FOUND"
	FileList     = "FILE_LIST"
)

// Ack is the byte a client sends after FILE_READY to ask for the content.
const Ack byte = 'R'

// MaxFrameSize is the largest payload Read accepts.
const MaxFrameSize = 1 << 20

// Message is one framed message.
type Message struct {
	Verb   string
	Fields []string
}

func (msg Message) String() string {
	return fmt.Sprintf("%s%q", msg.Verb, msg.Fields)
}

// Write writes `msg` to `w` as a single frame.
func Write(w io.Writer, msg Message) error {
	var payload bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	for _, field := range append([]string{msg.Verb}, msg.Fields...) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
		payload.Write(lenBuf[:n])
		payload.WriteString(field)
	}

	if payload.Len() > MaxFrameSize {
		return errors.ProtocolError{Reason: fmt.Sprintf(
			"frame of %d bytes exceeds the maximum of %d", payload.Len(), MaxFrameSize)}
	}

	frame := make([]byte, 4, 4+payload.Len())
	binary.BigEndian.PutUint32(frame, uint32(payload.Len()))
	frame = append(frame, payload.Bytes()...)
	if _, err := w.Write(frame); err != nil {
		return errors.WithContext(err, "write frame")
	}
	return nil
}

// Read reads exactly one frame from `r`. It never reads past the end of the
// frame, so raw bytes that follow it are left unread.
func Read(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, errors.WithContext(err, "read frame header")
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return Message{}, errors.ProtocolError{Reason: "empty frame"}
	}
	if size > MaxFrameSize {
		return Message{}, errors.ProtocolError{Reason: fmt.Sprintf(
			"frame of %d bytes exceeds the maximum of %d", size, MaxFrameSize)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, errors.WithContext(err, "read frame payload")
	}

	var fields []string
	buf := bytes.NewReader(payload)
	for buf.Len() > 0 {
		fieldLen, err := binary.ReadUvarint(buf)
		if err != nil || fieldLen > uint64(buf.Len()) {
			return Message{}, errors.ProtocolError{Reason: "truncated field"}
		}

		field := make([]byte, fieldLen)
		// Can't fail, the length was checked above.
		_, _ = io.ReadFull(buf, field)
		fields = append(fields, string(field))
	}

	return Message{Verb: fields[0], Fields: fields[1:]}, nil
}

// Expect returns a ProtocolError unless `msg` has the given verb and number of
// fields.
func (msg Message) Expect(verb string, numFields int) error {
	if msg.Verb != verb {
		return errors.ProtocolError{Reason: fmt.Sprintf("expected %s, got %s", verb, msg.Verb)}
	}
	if len(msg.Fields) != numFields {
		return errors.ProtocolError{Reason: fmt.Sprintf(
			"%s expects %d fields, got %d", verb, numFields, len(msg.Fields))}
	}
	return nil
}

// NewGetFile requests the content of `name`.
func NewGetFile(name string) Message {
	return Message{Verb: GetFile, Fields: []string{name}}
}

// NewSyncRequest announces that `sender` has a new version of `name`.
func NewSyncRequest(sender, name string) Message {
	return Message{Verb: SyncReq, Fields: []string{sender, name}}
}

// NewListFiles requests the names of the files in the peer's sync root.
func NewListFiles() Message {
	return Message{Verb: ListFiles}
}

// NewDeleteRequest announces that `sender` deleted `name`.
func NewDeleteRequest(sender, name string) Message {
	return Message{Verb: DeleteReq, Fields: []string{sender, name}}
}

// NewRenameRequest announces that `sender` renamed `oldName` to `newName`.
func NewRenameRequest(sender, oldName, newName string) Message {
	return Message{Verb: RenameReq, Fields: []string{sender, oldName, newName}}
}

// NewFileReady tells the requester how many bytes of content will follow the
// acknowledgment, and the digest they should hash to.
func NewFileReady(size int64, digest string) Message {
	return Message{Verb: FileReady, Fields: []string{strconv.FormatInt(size, 10), digest}}
}

// NewFileNotFound tells the requester the file doesn't exist.
func NewFileNotFound() Message {
	return Message{Verb: FileNotFound}
}

// NewFileList responds to LIST_FILES.
func NewFileList(names []string) Message {
	return Message{Verb: FileList, Fields: names}
}

// ParseFileReady returns the size and digest in a FILE_READY message.
func ParseFileReady(msg Message) (size int64, digest string, err error) {
	if err := msg.Expect(FileReady, 2); err != nil {
		return 0, "", err
	}

	size, err = strconv.ParseInt(msg.Fields[0], 10, 64)
	if err != nil || size < 0 {
		return 0, "", errors.ProtocolError{Reason: fmt.Sprintf("bad size %q", msg.Fields[0])}
	}
	return size, msg.Fields[1], nil
}
