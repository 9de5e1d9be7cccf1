package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// redactRecord hashes the fields that identify a principal. Orbit,
// path and verdict stay readable so the log remains queryable.
func redactRecord(rec Record, salt []byte) Record {
	rec.PrincipalHash = hashString(rec.PrincipalHash, salt)
	rec.IdentityHash = hashString(rec.IdentityHash, salt)
	return rec
}

func hashString(value string, salt []byte) string {
	if value == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
