// Package idgen generates compact, sortable identifiers for sessions and
// other short-lived objects. IDs are 12 bytes (timestamp, node, sequence,
// random) encoded as lowercase unpadded base32, about 20 characters.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"hash/fnv"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	nodeID   [3]byte
	sequence uint32

	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		// No usable entropy source. Derive the node ID from the hostname
		// so concurrent instances still diverge.
		h := fnv.New32a()
		hostname, _ := os.Hostname()
		h.Write([]byte(hostname))
		sum := h.Sum32()
		nodeID[0] = byte(sum >> 16)
		nodeID[1] = byte(sum >> 8)
		nodeID[2] = byte(sum)
	}
}

// New generates an identifier. The timestamp prefix makes IDs from the same
// instance roughly sortable by creation time.
func New() string {
	var id [12]byte

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], nodeID[:])

	seq := atomic.AddUint32(&sequence, 1)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)

	if _, err := rand.Read(id[9:12]); err != nil {
		nano := time.Now().UnixNano()
		id[9] = byte(nano >> 16)
		id[10] = byte(nano >> 8)
		id[11] = byte(nano)
	}

	return strings.ToLower(encoding.EncodeToString(id[:]))
}
