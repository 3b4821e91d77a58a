package session

import (
	"fmt"

	"github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/session/inmemory"
)

// Registry stores live sessions by ID. It is the only structure mutated by
// multiple goroutines concurrently; implementations guard registry mutation
// only, never session-internal state, which stays single-writer.
type Registry interface {
	Put(sess *core.Session)
	Get(id string) (*core.Session, bool)
	Delete(id string)
	List() []*core.Session
	Len() int
}

type StoreType string

const (
	InMemoryStore StoreType = "inmemory"
)

func NewRegistry(storeType StoreType) Registry {
	var reg Registry
	switch storeType {
	case InMemoryStore:
		reg = inmemory.NewRegistry()
	default:
		panic(fmt.Sprintf("unsupported registry type: %s", storeType))
	}

	return reg
}
