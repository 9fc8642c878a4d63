// Package protocol implements the newline-delimited text protocol spoken on
// command and data connections: line reading, handshake and command parsing,
// and formatting of server replies.
package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// MaxLineLength bounds a single protocol line, terminator included.
const MaxLineLength = 64 * 1024

var ErrLineTooLong = errors.New("protocol: line too long")

// ReadLine reads one newline-terminated line and returns it trimmed of
// surrounding whitespace. A final unterminated line before EOF is returned
// as a line; the following call reports io.EOF. Invalid UTF-8 is replaced.
func ReadLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		if len(buf)+len(frag) > MaxLineLength {
			return "", ErrLineTooLong
		}
		buf = append(buf, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			break
		}
		return "", err
	}
	return strings.ToValidUTF8(strings.TrimSpace(string(buf)), "\uFFFD"), nil
}

type HandshakeKind int

const (
	HandshakeInvalid HandshakeKind = iota
	HandshakeCommand
	HandshakeUpload
	HandshakeDownload
)

func (k HandshakeKind) String() string {
	switch k {
	case HandshakeCommand:
		return "CMD"
	case HandshakeUpload:
		return "UPLOAD"
	case HandshakeDownload:
		return "DOWNLOAD"
	default:
		return "invalid"
	}
}

// Handshake is the first line of every accepted connection.
type Handshake struct {
	Kind       HandshakeKind
	TransferID string
}

// ParseHandshake routes the first line of a connection. Keywords are
// case-sensitive; UPLOAD and DOWNLOAD require a transfer id.
func ParseHandshake(line string) Handshake {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Handshake{}
	}
	switch fields[0] {
	case "CMD":
		return Handshake{Kind: HandshakeCommand}
	case "UPLOAD":
		if len(fields) > 1 {
			return Handshake{Kind: HandshakeUpload, TransferID: fields[1]}
		}
	case "DOWNLOAD":
		if len(fields) > 1 {
			return Handshake{Kind: HandshakeDownload, TransferID: fields[1]}
		}
	}
	return Handshake{}
}
