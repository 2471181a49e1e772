package domain

import "time"

// TokenRecord is the vault's view of one provider's credential: the
// provider ID it belongs to and the plaintext token, held only in memory
// and in sealed form at rest. It never round-trips through the event bus
// or a log line.
type TokenRecord struct {
	ProviderID int64
	Token      string
	UpdatedAt  time.Time
}
