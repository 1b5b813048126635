package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridion/gridion-ai/internal/models"
)

// Key namespaces in the shared store. Distinct prefixes keep cache data
// from colliding with cost buckets or unrelated tenants of the store.
const (
	responseKeyPrefix = "response:"
	promptKeyPrefix   = "prompt:"
)

// canonicalQuery serializes query data deterministically: JSON with
// lexicographically ordered object keys (encoding/json sorts map keys),
// so structurally equal queries always produce the same bytes.
func canonicalQuery(query map[string]interface{}) (string, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return "", models.NewValidationError("query", "cannot be serialized deterministically: %v", err)
	}
	return string(raw), nil
}

// sanitize strips store-control metacharacters (whitespace, glob and
// scan-pattern characters) from untrusted query text before hashing, so
// adversarial agent input cannot forge or collide keys.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '*', '?', '[', ']', '{', '}':
			return -1
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
}

// responseKey derives the store key for (responseType, query).
func responseKey(rt models.ResponseType, query map[string]interface{}) (string, error) {
	canonical, err := canonicalQuery(query)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(string(rt) + ":" + sanitize(canonical)))
	return fmt.Sprintf("%s%s:%x", responseKeyPrefix, rt, sum), nil
}

// promptKey derives the store key for a prompt fragment.
func promptKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s%x", promptKeyPrefix, sum)
}
