package rdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"
)

// magic is the header this writer emits. The reader also accepts the
// prior version (REDIS0011); the version bump carries no format change
// this subset cares about.
const magic = "REDIS0012"

// StringSource supplies the live string keyspace to snapshot. It is
// satisfied by *store.Strings.
type StringSource interface {
	Keys() []string
	Get(key string) ([]byte, bool)
	ExpiryOf(key string) (at time.Time, hasTTL bool, exists bool)
}

// Encode serializes src's string keyspace into the RDB binary subset
// this server reads and writes.
func Encode(src StringSource) []byte {
	keys := src.Keys()

	buf := make([]byte, 0, 64+len(keys)*32)
	buf = append(buf, magic...)

	buf = append(buf, opSelectDB, 0x00)

	withTTL := 0
	for _, k := range keys {
		if _, hasTTL, _ := src.ExpiryOf(k); hasTTL {
			withTTL++
		}
	}
	buf = append(buf, opResizeDB)
	buf = writeSize(buf, len(keys))
	buf = writeSize(buf, withTTL)

	for _, k := range keys {
		value, ok := src.Get(k)
		if !ok {
			continue
		}
		if at, hasTTL, _ := src.ExpiryOf(k); hasTTL {
			buf = append(buf, opExpireMS)
			ms := make([]byte, 8)
			binary.LittleEndian.PutUint64(ms, uint64(at.UnixMilli()))
			buf = append(buf, ms...)
		}
		buf = append(buf, typeString)
		buf = writeString(buf, []byte(k))
		buf = writeString(buf, value)
	}

	buf = append(buf, opEOF)
	return buf
}

// Save encodes src and writes it to <dir>/<dbfilename> via
// write-to-temp-then-rename, so a crash mid-write never leaves a
// truncated snapshot in place.
func Save(dir, dbfilename string, src StringSource) error {
	path := filepath.Join(dir, dbfilename)
	tmp := path + ".tmp"

	data := Encode(src)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
