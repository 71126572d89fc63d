// Package audit applies per-instance config updates and records what changed.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/robalyx/botfleet/internal/database/types"
	"go.uber.org/zap"
)

var (
	// ErrUnknownModule is returned for a config module name that does not exist.
	ErrUnknownModule = errors.New("unknown config module")
	// ErrNotOwner is returned when the actor does not own the instance.
	ErrNotOwner = errors.New("actor does not own this instance")
	// ErrInvalidSection is returned when the new section cannot be decoded.
	ErrInvalidSection = errors.New("invalid config section")
)

// Sorted keys make the encoding usable for equality checks.
var stableJSON = sonic.ConfigStd

// GetChanges returns the keys whose values differ between before and after.
// Keys missing on one side only appear on the side that has them.
func GetChanges(before, after map[string]any) types.Changes {
	changes := types.Changes{Old: map[string]any{}, New: map[string]any{}}

	for key, oldValue := range before {
		newValue, ok := after[key]
		if ok && equalJSON(oldValue, newValue) {
			continue
		}

		changes.Old[key] = oldValue
		if ok {
			changes.New[key] = newValue
		}
	}

	for key, newValue := range after {
		if _, ok := before[key]; !ok {
			changes.New[key] = newValue
		}
	}

	return changes
}

func equalJSON(a, b any) bool {
	ab, errA := stableJSON.Marshal(a)
	bb, errB := stableJSON.Marshal(b)

	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(ab, bb)
}

// InstanceStore loads instance records and commits a config change together
// with its audit entry.
type InstanceStore interface {
	GetInstance(ctx context.Context, id snowflake.ID) (*types.Instance, error)
	UpdateConfig(ctx context.Context, instance *types.Instance, entry *types.AuditEntry) error
}

// Invalidator drops a cached instance config.
type Invalidator interface {
	Invalidate(instanceID snowflake.ID)
}

// Service is the only path through which instance config is mutated.
type Service struct {
	instances InstanceStore
	cache     Invalidator
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates an audit service. cache may be nil.
func NewService(instances InstanceStore, cache Invalidator, logger *zap.Logger) *Service {
	return &Service{
		instances: instances,
		cache:     cache,
		logger:    logger.Named("audit"),
		now:       time.Now,
	}
}

// UpdateModule replaces one config module of an instance with section and
// appends the difference to the audit log. section may be the module's typed
// struct or any value with the same JSON shape. An update that changes nothing
// is not saved and returns empty changes.
func (s *Service) UpdateModule(
	ctx context.Context, instanceID snowflake.ID, module string, section any, by snowflake.ID,
) (types.Changes, error) {
	instance, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return types.Changes{}, fmt.Errorf("failed to load instance: %w", err)
	}

	if instance.OwnerID != by {
		return types.Changes{}, ErrNotOwner
	}

	target, err := modulePointer(&instance.Config, module)
	if err != nil {
		return types.Changes{}, err
	}

	oldMap, err := toMap(target)
	if err != nil {
		return types.Changes{}, err
	}

	raw, err := stableJSON.Marshal(section)
	if err != nil {
		return types.Changes{}, fmt.Errorf("%w: %w", ErrInvalidSection, err)
	}

	if err := replaceSection(target, raw); err != nil {
		return types.Changes{}, err
	}

	newMap, err := toMap(target)
	if err != nil {
		return types.Changes{}, err
	}

	changes := GetChanges(oldMap, newMap)
	if changes.IsEmpty() {
		return changes, nil
	}

	entry := &types.AuditEntry{
		ID:         uuid.New(),
		InstanceID: instanceID,
		By:         by,
		Module:     module,
		Changes:    changes,
		At:         s.now(),
	}

	err = s.instances.UpdateConfig(ctx, instance, entry)

	// A failed commit may still have landed, so the cached copy is dropped either way
	if s.cache != nil {
		s.cache.Invalidate(instanceID)
	}

	if err != nil {
		return types.Changes{}, fmt.Errorf("failed to save config change: %w", err)
	}

	s.logger.Info("Config module updated",
		zap.Uint64("instanceID", uint64(instanceID)),
		zap.Uint64("by", uint64(by)),
		zap.String("module", module),
		zap.Int("changedKeys", max(len(changes.Old), len(changes.New))))

	return changes, nil
}

// modulePointer returns a pointer to the named module within cfg.
func modulePointer(cfg *types.InstanceConfig, module string) (any, error) {
	switch module {
	case types.ModuleGeneral:
		return &cfg.General, nil
	case types.ModuleCommands:
		return &cfg.Commands, nil
	case types.ModuleLeveling:
		return &cfg.Leveling, nil
	case types.ModuleAutoMod:
		return &cfg.AutoMod, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
}

// replaceSection decodes raw into a zero value of the module's type and
// stores it through target, so keys absent from raw are reset.
func replaceSection(target any, raw []byte) error {
	switch ptr := target.(type) {
	case *types.GeneralConfig:
		return decodeInto(ptr, raw)
	case *types.CommandsConfig:
		return decodeInto(ptr, raw)
	case *types.LevelingConfig:
		return decodeInto(ptr, raw)
	case *types.AutoModConfig:
		return decodeInto(ptr, raw)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownModule, target)
	}
}

func decodeInto[T any](ptr *T, raw []byte) error {
	var v T
	if err := stableJSON.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSection, err)
	}

	*ptr = v

	return nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := stableJSON.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config section: %w", err)
	}

	m := map[string]any{}
	if err := stableJSON.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode config section: %w", err)
	}

	return m, nil
}
