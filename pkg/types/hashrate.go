package types

import "time"

// HashRateSample is the number of hashes completed in the interval ending at At.
type HashRateSample struct {
	At     time.Time `json:"at"`
	Hashes uint64    `json:"hashes"`
}
