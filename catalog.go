package vkclient

import "strings"

// commandSpec is one command catalog entry: key position, write/read
// class, and any post-decode transform. firstKey is the argument index
// (1 = first arg after the name) of the command's routing key; 0 means the
// command carries no static key and, in cluster mode, routes to the primary
// of the lowest-numbered assigned slot unless the caller supplies an
// explicit routing hint.
type commandSpec struct {
	firstKey      int
	readOnly      bool
	setConversion bool
}

// catalog covers the representative command surface this module
// implements end-to-end. An exhaustive per-command encoder is left to
// callers; this is the slice needed to exercise every routing and
// post-decode transform rule.
var catalog = map[string]commandSpec{
	"GET":      {firstKey: 1, readOnly: true},
	"SET":      {firstKey: 1},
	"DEL":      {firstKey: 1},
	"EXISTS":   {firstKey: 1, readOnly: true},
	"EXPIRE":   {firstKey: 1},
	"TTL":      {firstKey: 1, readOnly: true},
	"INCR":     {firstKey: 1},
	"INCRBY":   {firstKey: 1},
	"HSET":     {firstKey: 1},
	"HGET":     {firstKey: 1, readOnly: true},
	"HDEL":     {firstKey: 1},
	"HEXISTS":  {firstKey: 1, readOnly: true},
	"ZADD":     {firstKey: 1},
	"ZSCORE":   {firstKey: 1, readOnly: true},
	"ZRANGE":   {firstKey: 1, readOnly: true},
	"SADD":     {firstKey: 1},
	"SREM":     {firstKey: 1},
	"SMEMBERS": {firstKey: 1, readOnly: true, setConversion: true},
	"LPUSH":    {firstKey: 1},
	"RPUSH":    {firstKey: 1},
	"LRANGE":   {firstKey: 1, readOnly: true},
	"DUMP":     {firstKey: 1, readOnly: true},
	"RESTORE":  {firstKey: 1},
	"XADD":     {firstKey: 1},
	"WATCH":    {firstKey: 1},

	"PING":      {readOnly: true},
	"HELLO":     {readOnly: true},
	"AUTH":      {},
	"CLIENT":    {readOnly: true},
	"CLUSTER":   {readOnly: true},
	"MULTI":     {},
	"EXEC":      {},
	"ASKING":    {},
	"SUBSCRIBE": {},
	"XREAD":     {readOnly: true},
}

// lookupCommand returns the catalog entry for name, defaulting to a
// no-static-key, write-class entry for anything not in the slice above;
// in cluster mode such omissions route to the primary of the
// lowest-numbered assigned slot.
func lookupCommand(name string) commandSpec {
	if spec, ok := catalog[strings.ToUpper(name)]; ok {
		return spec
	}
	return commandSpec{}
}

// firstKeyOf returns the routing key for a command frame, if the catalog
// declares one and the frame carries enough arguments.
func firstKeyOf(args [][]byte) ([]byte, bool) {
	if len(args) == 0 {
		return nil, false
	}
	spec := lookupCommand(string(args[0]))
	if spec.firstKey <= 0 || spec.firstKey >= len(args) {
		return nil, false
	}
	return args[spec.firstKey], true
}

// isWriteCommand reports whether a command frame is classified as a write
// in the catalog (unknown commands are conservatively treated as writes so
// they are never misrouted to a stale replica).
func isWriteCommand(args [][]byte) bool {
	if len(args) == 0 {
		return false
	}
	return !lookupCommand(string(args[0])).readOnly
}

// wantsSetConversion reports whether the catalog marks a command's Array
// reply for conversion to a Set before it reaches the caller.
func wantsSetConversion(args [][]byte) bool {
	if len(args) == 0 {
		return false
	}
	return lookupCommand(string(args[0])).setConversion
}
