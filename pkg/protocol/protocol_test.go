package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/errors"
)

func TestReadWrite(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"ListFiles", NewListFiles()},
		{"GetFile", NewGetFile("a.txt")},
		{"ColonInName", NewSyncRequest("host-123", "notes:v2:final.md")},
		{"Rename", NewRenameRequest("host-123", "old name.txt", "new\nname.txt")},
		{"EmptyField", NewFileList([]string{"", "a"})},
		{"Unicode", NewDeleteRequest("hôte", "résumé.pdf")},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, test.msg))

			msg, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, test.msg.Verb, msg.Verb)
			assert.Equal(t, len(test.msg.Fields), len(msg.Fields))
			for i := range test.msg.Fields {
				assert.Equal(t, test.msg.Fields[i], msg.Fields[i])
			}
		})
	}
}

func TestReadLeavesTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, NewFileReady(5, "digest")))
	buf.WriteString("hello")

	msg, err := Read(&buf)
	require.NoError(t, err)

	size, digest, err := ParseFileReady(msg)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "digest", digest)

	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(rest))
}

func TestReadMalformed(t *testing.T) {
	frame := func(payload []byte) *bytes.Buffer {
		var buf bytes.Buffer
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
		buf.Write(header[:])
		buf.Write(payload)
		return &buf
	}

	_, err := Read(frame(nil))
	assert.IsType(t, errors.ProtocolError{}, err)

	// The field claims to be longer than the frame.
	_, err = Read(frame([]byte{10, 'a'}))
	assert.IsType(t, errors.ProtocolError{}, err)

	var tooBig bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	tooBig.Write(header[:])
	_, err = Read(&tooBig)
	assert.IsType(t, errors.ProtocolError{}, err)

	// The connection closed mid-frame.
	_, err = Read(bytes.NewReader([]byte{0, 0}))
	assert.Equal(t, io.ErrUnexpectedEOF, errors.RootCause(err))

	// Plain text from a client that doesn't speak the framed protocol.
	_, err = Read(strings.NewReader("GET_FILE:a.txt"))
	assert.Error(t, err)
}

func TestWriteTooBig(t *testing.T) {
	err := Write(io.Discard, NewGetFile(strings.Repeat("a", MaxFrameSize)))
	assert.IsType(t, errors.ProtocolError{}, err)
}

func TestExpect(t *testing.T) {
	assert.NoError(t, NewGetFile("a").Expect(GetFile, 1))
	assert.IsType(t, errors.ProtocolError{}, NewGetFile("a").Expect(SyncReq, 1))
	assert.IsType(t, errors.ProtocolError{}, Message{Verb: GetFile}.Expect(GetFile, 1))

	_, _, err := ParseFileReady(Message{Verb: FileReady, Fields: []string{"-1", "d"}})
	assert.IsType(t, errors.ProtocolError{}, err)
	_, _, err = ParseFileReady(NewFileNotFound())
	assert.IsType(t, errors.ProtocolError{}, err)
}
