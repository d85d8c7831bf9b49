// Package conversations defines conversation identity and activity tracking.
// A conversation is addressed by the composite key
// (tenant, phone, channel instance, domain); every derived identifier in the
// system (job identities, dedup keys, ledger lookups) is namespaced by it.
package conversations

import (
	"fmt"
	"strings"

	"aurum_backend/platform/apperr"
	"aurum_backend/platform/phone"
)

// Key uniquely identifies a conversation across all entities.
type Key struct {
	TenantID        int64  `json:"tenant_id"`
	Phone           string `json:"phone"`
	ChannelInstance string `json:"channel_instance"`
	Domain          string `json:"domain"`
}

// NewKey normalizes the raw parts into a canonical key: fields trimmed and
// the phone reduced to digits. Returns a validation error when any part is
// missing.
func NewKey(tenantID int64, rawPhone, channelInstance, domain string) (Key, error) {
	key := Key{
		TenantID:        tenantID,
		Phone:           phone.NormalizeDigits(rawPhone),
		ChannelInstance: strings.TrimSpace(channelInstance),
		Domain:          strings.TrimSpace(domain),
	}

	if tenantID <= 0 || key.Phone == "" || key.ChannelInstance == "" || key.Domain == "" {
		return Key{}, apperr.Validation("missing conversation key")
	}

	return key, nil
}

// String returns the canonical derivation used as DB lookup key and as the
// namespace prefix for every derived identifier. The field order is fixed.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s:%s", k.TenantID, k.Phone, k.ChannelInstance, k.Domain)
}

// DedupID returns the idempotency key for an inbound message.
func (k Key) DedupID(msgID string) string {
	return "aurum:dedupe:webhook:" + k.String() + ":" + msgID
}
