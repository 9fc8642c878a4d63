package protocol

import (
	"strconv"
	"strings"
)

// Kind enumerates the commands a client may send on an authenticated
// command connection.
type Kind int

const (
	KindChat Kind = iota
	KindPrivate
	KindUpload
	KindFileAccept
	KindFileReject
	KindDownload
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindPrivate:
		return "pm"
	case KindUpload:
		return "upload"
	case KindFileAccept:
		return "file_accept"
	case KindFileReject:
		return "file_reject"
	case KindDownload:
		return "download"
	case KindPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Command is a parsed client line. Which fields are set depends on Kind.
type Command struct {
	Kind       Kind
	Target     string
	Text       string
	Filename   string
	Size       int64
	TransferID string
}

// UsageError reports a malformed command. Message is meant for the client.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

const (
	usagePrivate  = "Формат: /pm <user> <message>"
	usageUpload   = "Формат: /upload <user> <filename> <size>"
	usageAccept   = "Формат: /file_accept <id>"
	usageReject   = "Формат: /file_reject <id>"
	usageDownload = "Формат: /download <id>"
	badFileSize   = "Неверный размер файла."
)

// ParseCommand parses a non-empty command line. Unknown leading tokens, and
// lines not starting with a command, are chat.
func ParseCommand(line string) (Command, error) {
	parts := strings.SplitN(line, " ", 4)
	switch strings.ToLower(parts[0]) {
	case "/pm", "/w":
		if len(parts) < 3 {
			return Command{}, &UsageError{Message: usagePrivate}
		}
		return Command{Kind: KindPrivate, Target: parts[1], Text: strings.Join(parts[2:], " ")}, nil
	case "/upload":
		if len(parts) < 4 {
			return Command{}, &UsageError{Message: usageUpload}
		}
		size, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || size < 0 {
			return Command{}, &UsageError{Message: badFileSize}
		}
		return Command{Kind: KindUpload, Target: parts[1], Filename: parts[2], Size: size}, nil
	case "/file_accept":
		if len(parts) < 2 || parts[1] == "" {
			return Command{}, &UsageError{Message: usageAccept}
		}
		return Command{Kind: KindFileAccept, TransferID: parts[1]}, nil
	case "/file_reject":
		if len(parts) < 2 || parts[1] == "" {
			return Command{}, &UsageError{Message: usageReject}
		}
		return Command{Kind: KindFileReject, TransferID: parts[1]}, nil
	case "/download":
		if len(parts) < 2 || parts[1] == "" {
			return Command{}, &UsageError{Message: usageDownload}
		}
		return Command{Kind: KindDownload, TransferID: parts[1]}, nil
	case "/ping":
		return Command{Kind: KindPing}, nil
	default:
		return Command{Kind: KindChat, Text: line}, nil
	}
}
