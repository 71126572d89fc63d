// Package instance runs the fleet of bot connections and routes their events.
package instance

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/credential"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/metrics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var (
	// ErrInvalidToken is returned when a token does not have the platform's shape.
	ErrInvalidToken = errors.New("token has an invalid format")
	// ErrAlreadyRunning is returned when a second connection is started for a live instance.
	ErrAlreadyRunning = errors.New("instance is already running")
	// ErrOwnedByAnother is returned when provisioning a bot that belongs to another owner.
	ErrOwnedByAnother = errors.New("instance is owned by another user")
	// ErrNotStarted is returned when a persisted instance could not be brought up.
	ErrNotStarted = errors.New("instance could not be started")
)

// Store persists instance records.
type Store interface {
	GetInstance(ctx context.Context, id snowflake.ID) (*types.Instance, error)
	GetAllInstances(ctx context.Context) ([]*types.Instance, error)
	SaveInstance(ctx context.Context, instance *types.Instance) error
	DeleteInstance(ctx context.Context, id snowflake.ID) error
}

// Invalidator drops cached state of an instance.
type Invalidator interface {
	Invalidate(id snowflake.ID)
}

// Instance is a live bot connection.
type Instance struct {
	ID        snowflake.ID
	Username  string
	Conn      gateway.Connection
	StartedAt time.Time

	mu       sync.RWMutex
	stopped  bool
	inFlight sync.WaitGroup
}

// identify records the bot user once the connection is open.
func (i *Instance) identify(self gateway.User) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.ID = self.ID
	i.Username = self.Username
	i.StartedAt = time.Now()
}

func (i *Instance) id() snowflake.ID {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.ID
}

// enter marks an event as in flight. Returns false once the instance is stopped.
func (i *Instance) enter() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.stopped {
		return false
	}

	i.inFlight.Add(1)

	return true
}

func (i *Instance) leave() {
	i.inFlight.Done()
}

// stop rejects further events. In-flight events keep running.
func (i *Instance) stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.stopped = true
}

// wait blocks until in-flight events finish or ctx is done.
func (i *Instance) wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		i.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the live instance registry. The registry decides whether an
// instance is reachable; the store decides whether it should exist across
// restarts.
type Manager struct {
	connector          gateway.Connector
	store              Store
	codec              *credential.Codec
	pipeline           *Pipeline
	cache              Invalidator
	metrics            *metrics.Metrics
	logger             *zap.Logger
	restoreConcurrency int

	mu   sync.RWMutex
	live map[snowflake.ID]*Instance
}

// NewManager creates an instance manager. cache may be nil.
func NewManager(
	connector gateway.Connector,
	store Store,
	codec *credential.Codec,
	pipeline *Pipeline,
	cache Invalidator,
	m *metrics.Metrics,
	restoreConcurrency int,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		connector:          connector,
		store:              store,
		codec:              codec,
		pipeline:           pipeline,
		cache:              cache,
		metrics:            m,
		logger:             logger.Named("instance_manager"),
		restoreConcurrency: max(restoreConcurrency, 1),
		live:               make(map[snowflake.ID]*Instance),
	}
}

// Start connects a bot with the given token and registers its event handlers.
// Returns an error wrapping gateway.ErrAuthentication if the token is rejected.
func (m *Manager) Start(ctx context.Context, token string) (*Instance, error) {
	conn, err := m.connector.Connect(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	inst := &Instance{Conn: conn}

	// Ready must be registered before opening so the first ready event is seen
	conn.On(gateway.EventReady, m.guard(inst, m.onReady))

	if err := conn.Open(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	inst.identify(conn.Self())

	for _, h := range m.handlers() {
		conn.On(h.kind, m.guard(inst, h.fn))
	}

	m.mu.Lock()
	if _, exists := m.live[inst.ID]; exists {
		m.mu.Unlock()
		inst.stop()
		conn.Close(ctx)

		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, inst.ID)
	}

	m.live[inst.ID] = inst
	count := len(m.live)
	m.mu.Unlock()

	m.metrics.SetInstancesLive(count)
	m.logger.Info("Instance started",
		zap.Uint64("instanceID", uint64(inst.ID)),
		zap.String("username", inst.Username))

	return inst, nil
}

// Stop removes an instance from the live registry and stops it from accepting
// events. The connection is left open for the caller to close. Stopping an
// unknown instance is a no-op.
func (m *Manager) Stop(id snowflake.ID) (*Instance, bool) {
	m.mu.Lock()
	inst, ok := m.live[id]
	delete(m.live, id)
	count := len(m.live)
	m.mu.Unlock()

	if !ok {
		return nil, false
	}

	inst.stop()
	m.metrics.SetInstancesLive(count)
	m.logger.Info("Instance stopped", zap.Uint64("instanceID", uint64(id)))

	return inst, true
}

// Get returns a live instance.
func (m *Manager) Get(id snowflake.ID) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.live[id]

	return inst, ok
}

// List returns the live instances ordered by ID.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.live))
	for _, inst := range m.live {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	slices.SortFunc(instances, func(a, b *Instance) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return instances
}

// Restore starts every persisted instance. Records whose token cannot be
// decrypted, is malformed, or is rejected by the platform are deleted.
// Other failures skip the instance and keep its record. Returns the number
// of instances started.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.store.GetAllInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load instances: %w", err)
	}

	var started atomic.Int64

	p := pool.New().WithMaxGoroutines(m.restoreConcurrency)
	for _, record := range records {
		p.Go(func() {
			if m.restore(ctx, record) {
				started.Add(1)
			}
		})
	}
	p.Wait()

	m.logger.Info("Restored instances",
		zap.Int64("started", started.Load()),
		zap.Int("total", len(records)))

	return int(started.Load()), nil
}

func (m *Manager) restore(ctx context.Context, record *types.Instance) bool {
	logger := m.logger.With(zap.Uint64("instanceID", uint64(record.ID)))

	token, err := m.codec.Decrypt(record.Token)
	if err != nil {
		logger.Warn("Purging instance with undecryptable token", zap.Error(err))
		m.purge(ctx, record.ID)

		return false
	}

	if !credential.ValidTokenShape(token) {
		logger.Warn("Purging instance with malformed token")
		m.purge(ctx, record.ID)

		return false
	}

	inst, err := m.Start(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrAuthentication):
		logger.Warn("Purging instance with rejected token", zap.Error(err))
		m.purge(ctx, record.ID)

		return false
	default:
		logger.Error("Failed to restore instance", zap.Error(err))
		return false
	}

	if inst.ID != record.ID {
		logger.Warn("Restored token belongs to a different bot", zap.Uint64("botID", uint64(inst.ID)))
	}

	return true
}

func (m *Manager) purge(ctx context.Context, id snowflake.ID) {
	if err := m.store.DeleteInstance(ctx, id); err != nil {
		m.logger.Error("Failed to purge instance", zap.Uint64("instanceID", uint64(id)), zap.Error(err))
	}

	if m.cache != nil {
		m.cache.Invalidate(id)
	}
}

// Provision starts a new bot and persists it with its token encrypted. A bot
// that already has a record keeps its config and gets the new token.
func (m *Manager) Provision(ctx context.Context, token string, ownerID snowflake.ID) (*Instance, error) {
	if !credential.ValidTokenShape(token) {
		return nil, ErrInvalidToken
	}

	inst, err := m.Start(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := m.persist(ctx, inst.ID, token, ownerID); err != nil {
		if stopped, ok := m.Stop(inst.ID); ok {
			stopped.Conn.Close(ctx)
		}

		return nil, err
	}

	return inst, nil
}

func (m *Manager) persist(ctx context.Context, id snowflake.ID, token string, ownerID snowflake.ID) error {
	encrypted, err := m.codec.Encrypt(token)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	record, err := m.store.GetInstance(ctx, id)
	switch {
	case errors.Is(err, types.ErrRecordNotFound):
		record = &types.Instance{ID: id, OwnerID: ownerID, Config: types.DefaultInstanceConfig()}
	case err != nil:
		return fmt.Errorf("failed to load instance: %w", err)
	case record.OwnerID != ownerID:
		return ErrOwnedByAnother
	}

	record.Token = encrypted

	if err := m.store.SaveInstance(ctx, record); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	if m.cache != nil {
		m.cache.Invalidate(id)
	}

	return nil
}

// Reload starts a persisted instance from its stored token, replacing its
// live connection if it has one. Unusable tokens purge the record as on
// restore.
func (m *Manager) Reload(ctx context.Context, id snowflake.ID) error {
	record, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}

	m.Release(ctx, id)

	if !m.restore(ctx, record) {
		return fmt.Errorf("%w: %s", ErrNotStarted, id)
	}

	return nil
}

// Release stops a live instance, waits for its in-flight events and closes
// its connection. The record is kept. Releasing an unknown instance is a no-op.
func (m *Manager) Release(ctx context.Context, id snowflake.ID) {
	inst, ok := m.Stop(id)
	if !ok {
		return
	}

	if err := inst.wait(ctx); err != nil {
		m.logger.Warn("Gave up waiting for in-flight events",
			zap.Uint64("instanceID", uint64(id)),
			zap.Error(err))
	}

	inst.Conn.Close(ctx)

	if m.cache != nil {
		m.cache.Invalidate(id)
	}
}

// Remove stops an instance, closes its connection and deletes its record.
func (m *Manager) Remove(ctx context.Context, id snowflake.ID) error {
	m.Release(ctx, id)

	if err := m.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	if m.cache != nil {
		m.cache.Invalidate(id)
	}

	m.logger.Info("Instance removed", zap.Uint64("instanceID", uint64(id)))

	return nil
}

// Shutdown stops every instance, waits for in-flight events until ctx is
// done and closes the connections.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, inst := range m.List() {
		m.Stop(inst.ID)

		if err := inst.wait(ctx); err != nil {
			m.logger.Warn("Gave up waiting for in-flight events",
				zap.Uint64("instanceID", uint64(inst.ID)),
				zap.Error(err))
		}

		inst.Conn.Close(ctx)
	}
}
