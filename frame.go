package vkclient

import (
	"bytes"
	"strconv"
)

// buildCommand writes one command as a RESP Array of Bulk-strings into
// writeBuf: one element per token, lengths as decimal ASCII, CRLF
// separators, binary-safe (no escaping). Caller must serialize access to
// writeBuf.
func buildCommand(writeBuf *bytes.Buffer, args [][]byte) {
	writeBuf.WriteByte('*')
	writeBuf.WriteString(strconv.Itoa(len(args)))
	writeBuf.WriteString("\r\n")
	for _, a := range args {
		writeBuf.WriteByte('$')
		writeBuf.WriteString(strconv.Itoa(len(a)))
		writeBuf.WriteString("\r\n")
		writeBuf.Write(a)
		writeBuf.WriteString("\r\n")
	}
}
