package cache

import (
	"slices"
	"time"
)

// AddressRecord is the resolved address set for one hostname.
type AddressRecord struct {
	Hostname  string    `json:"domain"`
	Addresses []string  `json:"ipAddresses"`
	CreatedAt time.Time `json:"lastUpdated"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewRecord builds a record valid for ttl from now.
func NewRecord(hostname string, addresses []string, now time.Time, ttl time.Duration) AddressRecord {
	return AddressRecord{
		Hostname:  hostname,
		Addresses: slices.Clone(addresses),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the record is no longer usable at now.
func (r AddressRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r AddressRecord) Valid() bool {
	return len(r.Addresses) > 0 && r.ExpiresAt.After(r.CreatedAt)
}

// WithAddresses returns a copy holding addrs, keeping hostname and timestamps.
func (r AddressRecord) WithAddresses(addrs ...string) AddressRecord {
	r.Addresses = slices.Clone(addrs)
	return r
}

func (r AddressRecord) Equal(o AddressRecord) bool {
	return r.Hostname == o.Hostname &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.ExpiresAt.Equal(o.ExpiresAt) &&
		slices.Equal(r.Addresses, o.Addresses)
}

func (r AddressRecord) clone() AddressRecord {
	r.Addresses = slices.Clone(r.Addresses)
	return r
}
