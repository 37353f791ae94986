package service

import (
	"context"
	"fmt"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
)

// StoreEmulator switches the execution context to one store while an index is built.
type StoreEmulator interface {
	StartEmulation(ctx context.Context, storeID int) (context.Context, error)
	StopEmulation(ctx context.Context)
}

type storeScopeKey struct{}

// StoreScope returns the store emulated by ctx, if any.
func StoreScope(ctx context.Context) (config.StoreConfig, bool) {
	store, ok := ctx.Value(storeScopeKey{}).(config.StoreConfig)
	return store, ok
}

// ContextEmulator carries the emulated store in the context and its logger.
type ContextEmulator struct {
	stores map[int]config.StoreConfig
}

// NewContextEmulator creates an emulator for the configured stores.
func NewContextEmulator(stores []config.StoreConfig) *ContextEmulator {
	m := make(map[int]config.StoreConfig, len(stores))
	for _, s := range stores {
		m[s.ID] = s
	}
	return &ContextEmulator{stores: m}
}

// StartEmulation returns a context scoped to the store.
func (e *ContextEmulator) StartEmulation(ctx context.Context, storeID int) (context.Context, error) {
	store, ok := e.stores[storeID]
	if !ok {
		return ctx, fmt.Errorf("%w: %d", domain.ErrUnknownStore, storeID)
	}
	ctx = context.WithValue(ctx, storeScopeKey{}, store)
	ctx = logger.SetStoreID(ctx, storeID)
	logger.CtxDebug(ctx, "Store emulation started: code=%s", store.Code)
	return ctx, nil
}

// StopEmulation ends the emulation started on ctx.
func (e *ContextEmulator) StopEmulation(ctx context.Context) {
	if store, ok := StoreScope(ctx); ok {
		logger.CtxDebug(ctx, "Store emulation stopped: code=%s", store.Code)
	}
}
