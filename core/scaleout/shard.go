package scaleout

import "github.com/dchest/siphash"

// ShardIndex maps a message source to a stream. The result only depends on
// source and streamCount, so one connection always uses the same stream.
func ShardIndex(source string, streamCount int) int {
	if streamCount <= 1 {
		return 0
	}
	return int(siphash.Hash(0, 0, []byte(source)) % uint64(streamCount))
}
