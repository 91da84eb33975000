// Package sdk is the client side of the chat relay: the transport pump, the
// encrypted local key store, the client half of the key-transfer handshake,
// and request helpers for every server operation.
package sdk

import (
	"fmt"

	"github.com/denisbrodbeck/machineid"

	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
)

// MachineKey derives the symmetric key protecting the local key store from
// this machine's identifier. The derivation is deterministic so the store
// can be unlocked from the identifier alone.
func MachineKey() ([]byte, error) {
	id, err := machineid.ID()
	if err != nil {
		return nil, fmt.Errorf("read machine identifier: %w", err)
	}
	return cryptoops.CreateKey([]byte(id))
}
