package memory

import (
	"testing"

	"gridharvest/internal/store"
	"gridharvest/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return NewStore()
	})
}
