package shm

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// NamePrefix starts every segment name.
const NamePrefix = "vpmu-"

// SegmentName derives a segment name unique to one stream of one process.
// seq separates successive builds of the same stream.
func SegmentName(stream string, pid int, seq uint64) string {
	h := sha3.New256()
	h.Write([]byte(stream))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(pid)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	sum := h.Sum(nil)
	return NamePrefix + stream + "-" + hex.EncodeToString(sum[:8])
}
