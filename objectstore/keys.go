package objectstore

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/spaolacci/murmur3"
	"github.com/wkalt/objectserver/objectid"
)

// Payloads are spread over 256 prefixes by a hash of the ID, so that densely
// allocated IDs do not all land under one S3 key prefix.
const (
	payloadPrefix = "objects/"
	fanout        = 256
)

func payloadKey(id objectid.ID) string {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	bucket := murmur3.Sum32(buf) % fanout
	return fmt.Sprintf("%s%02x/%d", payloadPrefix, bucket, uint64(id))
}

func parsePayloadKey(key string) (objectid.ID, error) {
	if !strings.HasPrefix(key, payloadPrefix) {
		return 0, fmt.Errorf("not a payload key: %s", key)
	}
	id, err := objectid.Parse(path.Base(key))
	if err != nil {
		return 0, err
	}
	if payloadKey(id) != key {
		return 0, fmt.Errorf("payload key %s does not match its id", key)
	}
	return id, nil
}
