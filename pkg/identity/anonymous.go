// Package identity derives stable anonymous learner identifiers.
package identity

import (
	"encoding/hex"
	"strconv"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/crypto/blake2b"
)

// idLength is the number of hex characters kept from the digest.
const idLength = 32

type cacheKey struct {
	userID    int64
	courseKey string
}

// AnonymousIDs maps (user, course) to an opaque id with a keyed BLAKE2b
// hash. The same secret always yields the same id; different courses
// yield unrelated ids for the same learner.
type AnonymousIDs struct {
	key   []byte
	cache *xsync.Map[cacheKey, string]
}

// NewAnonymousIDs creates a generator. Secrets longer than the BLAKE2b key
// limit are hashed down first.
func NewAnonymousIDs(secret string) *AnonymousIDs {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return &AnonymousIDs{
		key:   key,
		cache: xsync.NewMap[cacheKey, string](),
	}
}

// For returns the anonymous id of userID in courseKey.
func (a *AnonymousIDs) For(userID int64, courseKey string) string {
	k := cacheKey{userID, courseKey}
	if id, ok := a.cache.Load(k); ok {
		return id
	}

	id, _ := a.cache.LoadOrStore(k, a.compute(userID, courseKey))
	return id
}

func (a *AnonymousIDs) compute(userID int64, courseKey string) string {
	h, err := blake2b.New256(a.key)
	if err != nil {
		// Only reachable with an oversize key, which NewAnonymousIDs rules out.
		panic(err)
	}
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(courseKey))
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

// CacheSize returns the number of memoized ids.
func (a *AnonymousIDs) CacheSize() int {
	return a.cache.Size()
}
