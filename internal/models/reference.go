package models

import (
	"strconv"
	"time"
)

// Reference is a large text value stored once per session under a context
// tag such as "e14.rs.body".
type Reference struct {
	ID         string
	SourceHash string
	Tag        string
	Value      string
	CreatedAt  time.Time
}

// EntryRef formats an entry index as "e<index>".
func EntryRef(index int) string {
	return "e" + strconv.Itoa(index)
}
