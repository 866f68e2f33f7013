package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// KeyVersion prefixes every derived key. Bump it when the derivation
// changes so old entries stop matching instead of being misread.
const KeyVersion = "v1"

// DeriveKey computes the cache key for a call of the producer registered
// under namespace with the given arguments.
//
// Arguments are serialized as JSON: map keys are sorted, struct fields keep
// declaration order, and slice order is significant. Two structurally equal
// argument values therefore map to the same key, while callers passing
// unordered data (sets held in slices, for instance) must sort it first.
func DeriveKey(namespace string, args any) (string, error) {
	if namespace == "" {
		return "", errors.New("cache: namespace is required")
	}
	if strings.Contains(namespace, ":") {
		return "", fmt.Errorf("cache: namespace %q must not contain ':'", namespace)
	}

	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("cache: serialize arguments for %s: %w", namespace, err)
	}
	sum := sha256.Sum256(b)
	return KeyVersion + ":" + namespace + ":" + hex.EncodeToString(sum[:]), nil
}
