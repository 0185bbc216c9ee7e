package telemetry

import (
	"regexp"
	"strconv"
	"strings"
)

var emailPattern = regexp.MustCompile(`([a-zA-Z0-9._%+-]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)

// MaskEmails keeps the first character of the local part and the domain of every
// email address in s: "jane.doe@example.com" becomes "j***@example.com".
func MaskEmails(s string) string {
	if !strings.Contains(s, "@") {
		return s
	}
	return emailPattern.ReplaceAllStringFunc(s, func(addr string) string {
		at := strings.LastIndex(addr, "@")
		return addr[:1] + "***" + addr[at:]
	})
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
