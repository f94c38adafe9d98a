package store

import "testing"

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}
