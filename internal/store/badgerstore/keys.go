package badgerstore

import (
	"encoding/binary"
	"time"
)

var (
	prefixJob   = []byte("job/")
	prefixReady = []byte("ready/")
	prefixDelay = []byte("delay/")
	prefixDead  = []byte("dead/")
	keySeq      = []byte("seq/jobs")
)

func jobKey(id string) []byte {
	return append(append([]byte{}, prefixJob...), id...)
}

func deadKey(id string) []byte {
	return append(append([]byte{}, prefixDead...), id...)
}

// readyKey sorts by priority, then insertion order
func readyKey(priority int, seq int64, id string) []byte {
	return orderedKey(prefixReady, int64(priority), seq, id)
}

// delayKey sorts by run time, then insertion order
func delayKey(runAt time.Time, seq int64, id string) []byte {
	return orderedKey(prefixDelay, runAt.UnixNano(), seq, id)
}

// orderedKey encodes signed values so that byte order matches numeric order
func orderedKey(prefix []byte, first, seq int64, id string) []byte {
	key := make([]byte, 0, len(prefix)+16+len(id))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(first)^(1<<63))
	key = binary.BigEndian.AppendUint64(key, uint64(seq)^(1<<63))
	return append(key, id...)
}

func orderedKeyFirst(prefix, key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefix):]) ^ (1 << 63))
}

func orderedKeyID(prefix, key []byte) string {
	return string(key[len(prefix)+16:])
}
