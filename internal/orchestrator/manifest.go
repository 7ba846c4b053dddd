package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"fleet/internal/config"
	"fleet/internal/instance"
	"fleet/internal/registry"
)

// SpawnManifest starts every instance in m, parents before children, and
// returns their ids in manifest order. If any spawn fails the instances
// already started by this call are terminated.
func (o *Orchestrator) SpawnManifest(ctx context.Context, m config.Manifest) ([]string, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	free := o.registry.MaxInstances() - o.registry.Active()
	if need := m.Count(); need > free {
		return nil, fmt.Errorf("%w: manifest needs %d instances, %d free", instance.ErrCapacityExceeded, need, free)
	}

	var (
		ids   []string
		roots []string
	)
	var spawn func(entries []config.ManifestEntry, parentID string) error
	spawn = func(entries []config.ManifestEntry, parentID string) error {
		for _, entry := range entries {
			cfg := entry.SpawnConfig
			if parentID != "" {
				cfg.ParentID = parentID
			}
			id, err := o.registry.Spawn(ctx, cfg)
			if err != nil {
				return fmt.Errorf("spawn %s: %w", cfg.Name, err)
			}
			ids = append(ids, id)
			if parentID == "" {
				roots = append(roots, id)
			}
			if err := spawn(entry.Children, id); err != nil {
				return err
			}
		}
		return nil
	}

	if err := spawn(m.Instances, ""); err != nil {
		rollbackErr := o.rollbackManifest(roots)
		o.logger.Warn("manifest spawn failed", map[string]string{
			"spawned": fmt.Sprint(len(ids)),
			"error":   err.Error(),
		})
		return nil, errors.Join(err, rollbackErr)
	}
	o.logger.Info("manifest spawned", map[string]string{"instances": fmt.Sprint(len(ids))})
	return ids, nil
}

func (o *Orchestrator) rollbackManifest(roots []string) error {
	var errs []error
	for i := len(roots) - 1; i >= 0; i-- {
		_, err := o.registry.Terminate(context.Background(), roots[i], registry.TerminateOptions{
			Force:  true,
			Reason: "manifest rollback",
		})
		if err != nil && !errors.Is(err, instance.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
