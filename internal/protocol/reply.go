package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const clockLayout = "15:04:05"

func AuthRequest() string { return "AUTH_REQUEST" }

func AuthSuccess(text string) string { return "AUTH_SUCCESS " + text }

func AuthError(reason string) string { return "AUTH_ERROR " + reason }

// UserList renders the roster sorted by name.
func UserList(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return "USER_LIST " + strings.Join(sorted, ",")
}

func FileIncoming(from, filename string, size int64, transferID string) string {
	return fmt.Sprintf("FILE_INCOMING %s %s %d %s", from, filename, size, transferID)
}

func UploadProceed(transferID string, port int) string {
	return fmt.Sprintf("UPLOAD_PROCEED %s %d", transferID, port)
}

func UploadRejected(reason string) string { return "UPLOAD_REJECTED " + reason }

func DownloadReady(from, filename string, size int64, transferID string) string {
	return fmt.Sprintf("DOWNLOAD_READY %s %s %d %s", from, filename, size, transferID)
}

func DownloadProceed(transferID string, port int) string {
	return fmt.Sprintf("DOWNLOAD_PROCEED %s %d", transferID, port)
}

func ServerMsg(text string) string { return "SERVER_MSG " + text }

func Chat(at time.Time, user, text string) string {
	return fmt.Sprintf("[%s] %s: %s", at.Format(clockLayout), user, text)
}

func PrivateFrom(at time.Time, sender, text string) string {
	return fmt.Sprintf("[%s] (PM от %s): %s", at.Format(clockLayout), sender, text)
}

func PrivateTo(at time.Time, target, text string) string {
	return fmt.Sprintf("[%s] (PM для %s): %s", at.Format(clockLayout), target, text)
}

func Event(at time.Time, text string) string {
	return fmt.Sprintf("[%s] *** %s ***", at.Format(clockLayout), text)
}
