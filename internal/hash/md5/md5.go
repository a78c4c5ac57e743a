// Package md5 provides the MD5 digests used for cache keys and screenshot
// comparison.
package md5

import (
	"crypto/md5" //nolint:gosec // content addressing, not security
	"encoding/hex"
)

// Sum returns the lowercase hex MD5 of data.
func Sum(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // content addressing, not security
	return hex.EncodeToString(sum[:])
}
