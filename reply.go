package dkvs

import (
	"fmt"
	"strings"
)

// Replies sent back to clients.
const (
	ReplyStored   = "STORED"
	ReplyDeleted  = "DELETED"
	ReplyNotFound = "NOT FOUND"

	valuePrefix = "VALUE "
	errorPrefix = "ERROR "
)

func ValueReply(key, value string) string {
	return valuePrefix + key + " " + value
}

func ErrorReply(err error) string {
	return errorPrefix + err.Error()
}

// ParseValueReply extracts the value from a VALUE reply for key.
func ParseValueReply(reply, key string) (string, bool) {
	var rest, ok = strings.CutPrefix(reply, valuePrefix+key+" ")
	if !ok {
		return "", false
	}

	return rest, true
}

// ReplyError turns an ERROR reply into an error, nil otherwise.
func ReplyError(reply string) error {
	if msg, ok := strings.CutPrefix(reply, errorPrefix); ok {
		return fmt.Errorf("server error: %s", msg)
	}

	return nil
}
