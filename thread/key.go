// Package thread manages the identity under which checkpoints are
// grouped: a composite {tenant, session} key rendered as a single
// "tenant:session" string.
package thread

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key identifies one logical conversation. Immutable once the
// conversation starts; every checkpoint, cache entry, and search
// document is partitioned by it.
type Key struct {
	TenantID  string
	SessionID string
}

// NewKey mints a Key for a fresh conversation under the given tenant.
func NewKey(tenantID string) (Key, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), SessionID: uuid.NewString()}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// ParseKey reverses String. The tenant portion must not contain the
// separator; the session portion may (everything after the first colon).
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	tenant, session, ok := strings.Cut(raw, ":")
	if !ok {
		return Key{}, fmt.Errorf("thread key %q must have the form tenant:session", raw)
	}
	key := Key{TenantID: tenant, SessionID: session}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return fmt.Errorf("thread key tenant is required")
	}
	if strings.Contains(k.TenantID, ":") {
		return fmt.Errorf("thread key tenant %q must not contain %q", k.TenantID, ":")
	}
	if strings.TrimSpace(k.SessionID) == "" {
		return fmt.Errorf("thread key session is required")
	}
	return nil
}

func (k Key) String() string {
	return k.TenantID + ":" + k.SessionID
}
