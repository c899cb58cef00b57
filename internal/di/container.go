// Package di wires gatewayd's services together: shared store, WAL,
// event streams, billing, credits, marketplace, archival storage, and the
// facilitator client.
package di

import (
	"errors"
	"sync"
)

// Container holds service instances and lazy builders keyed by name.
type Container struct {
	mu       sync.RWMutex
	services map[string]any
	builders map[string]Builder
}

// Builder creates a service instance, resolving its dependencies through
// the container.
type Builder func(c *Container) (any, error)

// New creates an empty container.
func New() *Container {
	return &Container{
		services: make(map[string]any),
		builders: make(map[string]Builder),
	}
}

// Register stores a ready service instance.
func (c *Container) Register(name string, service any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

// RegisterBuilder stores a builder for lazy instantiation.
func (c *Container) RegisterBuilder(name string, builder Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[name] = builder
}

// Get resolves a service, building it on first use.
func (c *Container) Get(name string) (any, error) {
	c.mu.RLock()
	service, exists := c.services[name]
	c.mu.RUnlock()
	if exists {
		return service, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have built it while we waited for the lock.
	if service, exists := c.services[name]; exists {
		return service, nil
	}

	builder, ok := c.builders[name]
	if !ok {
		return nil, errors.New("service not found: " + name)
	}
	service, err := builder(c)
	if err != nil {
		return nil, err
	}
	c.services[name] = service
	return service, nil
}

// MustGet resolves a service or panics.
func (c *Container) MustGet(name string) any {
	service, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return service
}

// Has reports whether a service or builder is registered.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.services[name]; ok {
		return true
	}
	_, ok := c.builders[name]
	return ok
}

// Service name constants for typed accessors.
const (
	ServiceConfig      = "config"
	ServiceLogger      = "logger"
	ServiceStore       = "store"
	ServiceWriterLock  = "wal.writer_lock"
	ServiceWAL         = "wal.manager"
	ServiceEventStore  = "events.store"
	ServiceEmitter     = "events.emitter"
	ServiceSnapshot    = "storage.snapshot"
	ServiceHistory     = "storage.history"
	ServiceBilling     = "billing.machine"
	ServiceCredits     = "credits.ledger"
	ServiceSettlement  = "market.settlement"
	ServiceMarket      = "market.engine"
	ServiceFacilitator = "facilitator.client"
)
