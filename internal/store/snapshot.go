package store

import "encoding/base64"

// Well-known encoding of an empty database, sent verbatim to a replica after
// FULLRESYNC. The store keeps nothing on disk, so this constant is the whole
// persistence story.
const emptySnapshotB64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

var emptySnapshot []byte

func init() {
	var err error
	emptySnapshot, err = base64.StdEncoding.DecodeString(emptySnapshotB64)
	if err != nil {
		panic("store: corrupt embedded snapshot: " + err.Error())
	}
}

// SnapshotBlob returns the point-in-time snapshot sent during the replication
// handshake. The caller must not mutate it.
func (s *Store) SnapshotBlob() []byte { return emptySnapshot }
