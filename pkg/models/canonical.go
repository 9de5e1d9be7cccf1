package models

import (
	"fmt"
	"strconv"
	"strings"
)

// CanonicalAuthMessage is the byte message an authentication signature
// is computed over. Fields are length-prefixed so no two distinct
// (identity, function, timestamp) triples share an encoding.
func CanonicalAuthMessage(identity, function string, unixTS int64) []byte {
	var b strings.Builder
	writeField(&b, identity)
	writeField(&b, function)
	writeField(&b, strconv.FormatInt(unixTS, 10))
	return []byte(b.String())
}

// CanonicalIntentMessage binds every intent field into the proof
// message. Changing any field invalidates an existing proof signature.
func CanonicalIntentMessage(intent ExecutionIntent) []byte {
	var b strings.Builder
	writeField(&b, intent.Principal)
	writeField(&b, intent.Orbit)
	writeField(&b, intent.Path)
	writeField(&b, intent.Function)
	writeField(&b, intent.Purpose)
	writeField(&b, string(intent.Pattern))
	writeField(&b, intent.Complexity.String())
	writeField(&b, strconv.FormatInt(intent.Timestamp.UTC().Unix(), 10))
	return []byte(b.String())
}

func writeField(b *strings.Builder, field string) {
	fmt.Fprintf(b, "%d:%s;", len(field), field)
}
