package redisroute

import "strings"

// HashSlots is the number of hash slots the cluster keyspace is
// partitioned into.
const HashSlots = 16384

// Slot returns the hash slot for the key. If the key contains a
// non-empty hash tag (the substring between the first "{" and the
// first following "}"), only the tag is hashed.
func Slot(key string) int {
	if start := strings.Index(key, "{"); start >= 0 {
		if end := strings.Index(key[start+1:], "}"); end > 0 { // if end == 0, then it's {}, so we ignore it
			end += start + 1
			key = key[start+1 : end]
		}
	}
	return int(crc16(key) % HashSlots)
}
