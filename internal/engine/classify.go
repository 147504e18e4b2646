package engine

import "strings"

// User-facing messages for exhausted-fallback failures.
const (
	MsgBadCredentials    = "Incorrect password. Check the password and try again."
	MsgMalformedInput    = "This file appears to be damaged or is not a valid PDF."
	MsgOutOfRange        = "The requested pages are out of range for this document."
	MsgResourceExhausted = "The system ran out of resources while processing this file."
	MsgConnectivity      = "Lost contact with the processing engine. Please try again."
	MsgGeneric           = "Processing failed. Try again, or try a different file."
)

// classifyRules pairs error-text fragments with their user-facing category.
// First match wins, so more specific fragments come first.
var classifyRules = []struct {
	fragments []string
	message   string
}{
	{[]string{"password", "credential", "decrypt", "permission"}, MsgBadCredentials},
	{[]string{"out of range", "no such page", "invalid page", "firstpage", "lastpage"}, MsgOutOfRange},
	{[]string{"malformed", "corrupt", "damaged", "not a pdf", "syntax", "unrecoverable", "parse"}, MsgMalformedInput},
	{[]string{"memory", "resource", "exhaust", "too large", "no space", "disk"}, MsgResourceExhausted},
	{[]string{"terminated", "timed out", "timeout", "handshake", "connect", "broken pipe", "closed pipe", "eof"}, MsgConnectivity},
}

// Classify maps a terminal tier error onto a small set of user-facing
// categories by inspecting its text. Unclassifiable errors get a generic
// message; the raw error stays in the logs, never in the UI.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, frag := range rule.fragments {
			if strings.Contains(text, frag) {
				return rule.message
			}
		}
	}
	return MsgGeneric
}
