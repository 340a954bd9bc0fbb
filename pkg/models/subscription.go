package models

import "time"

// DefaultUpdateInterval is the status poll interval applied when a
// subscription is created without an explicit one.
const DefaultUpdateInterval = 300

// RepeaterSubscription represents a repeater the bridge is authenticated
// against, stored in the database. The pubkey prefix is the unique key;
// only Enabled and UpdateInterval change after creation.
type RepeaterSubscription struct {
	Name            string    `db:"name" json:"name"`
	PubkeyPrefix    string    `db:"pubkey_prefix" json:"pubkey_prefix"`
	FirmwareVersion string    `db:"firmware_version" json:"firmware_version"`
	Password        string    `db:"password" json:"-"`
	UpdateInterval  int       `db:"update_interval" json:"update_interval"`
	Enabled         bool      `db:"enabled" json:"enabled"`
	Created         time.Time `db:"created" json:"created"`
}

// Interval returns the status poll interval as a duration, falling back
// to the default for zero or negative values.
func (s *RepeaterSubscription) Interval() time.Duration {
	if s.UpdateInterval <= 0 {
		return DefaultUpdateInterval * time.Second
	}
	return time.Duration(s.UpdateInterval) * time.Second
}
