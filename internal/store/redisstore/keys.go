package redisstore

import (
	"fmt"
	"strings"
)

// keys builds every key under one hash tag so multi-key transactions stay in a single
// cluster slot
type keys struct {
	tag string
}

func newKeys(prefix string) keys {
	return keys{tag: "{" + prefix + "}"}
}

func (k keys) job(id string) string  { return k.tag + ":job:" + id }
func (k keys) dead(id string) string { return k.tag + ":dead:" + id }
func (k keys) ready() string         { return k.tag + ":ready" }
func (k keys) scheduled() string     { return k.tag + ":scheduled" }
func (k keys) ids() string           { return k.tag + ":ids" }
func (k keys) deadIndex() string     { return k.tag + ":dead_index" }
func (k keys) seq() string           { return k.tag + ":seq" }

// member is the sorted-set member for a queued job. The zero-padded sequence makes
// members with equal scores sort in insertion order.
func member(seq int64, id string) string {
	return fmt.Sprintf("%020d:%s", seq, id)
}

func memberID(m string) string {
	if i := strings.IndexByte(m, ':'); i >= 0 {
		return m[i+1:]
	}
	return m
}
