package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openherd/openherd/pkg/engine"
)

// policyFile is the on-disk YAML shape of a policy definition.
type policyFile struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Priority int            `yaml:"priority"`
	Spec     map[string]any `yaml:"spec"`
}

// Loader syncs policy objects from a directory of YAML definitions into
// the store, keyed by name, and can watch the directory for changes so
// edits take effect without a restart. New bindings pick up the updated
// spec; existing attached behavior changes on the next pipeline pass.
type Loader struct {
	dir    string
	store  engine.Store
	reg    *Registry
	logger zerolog.Logger
}

// NewLoader creates a loader for the given directory.
func NewLoader(dir string, store engine.Store, reg *Registry, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		store:  store,
		reg:    reg,
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Sync reads every .yaml/.yml file in the directory and upserts the
// policy objects by name. Files that fail to parse or validate are
// skipped with a warning so one bad file cannot block the rest.
func (l *Loader) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory %s: %w", l.dir, err)
	}

	existing, err := l.store.ListPolicies(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]*engine.PolicyObject, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.syncFile(ctx, path, byName); err != nil {
			l.logger.Warn().Err(err).Str("file", path).Msg("skipping policy file")
			continue
		}
		loaded++
	}

	l.logger.Info().Int("count", loaded).Str("dir", l.dir).Msg("policy definitions synced")
	return nil
}

func (l *Loader) syncFile(ctx context.Context, path string, byName map[string]*engine.PolicyObject) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}
	if pf.Name == "" || pf.Type == "" {
		return fmt.Errorf("policy definition needs name and type")
	}
	if !l.reg.Known(pf.Type) {
		return fmt.Errorf("unknown policy type %q", pf.Type)
	}

	spec, err := json.Marshal(pf.Spec)
	if err != nil {
		return err
	}
	// Building the policy validates the spec before anything is stored.
	if _, err := l.reg.Build(pf.Type, spec); err != nil {
		return err
	}

	if prev, ok := byName[pf.Name]; ok {
		if prev.Type != pf.Type {
			return fmt.Errorf("policy %s changed type from %s to %s; create a new policy instead", pf.Name, prev.Type, pf.Type)
		}
		prev.Priority = pf.Priority
		prev.Spec = spec
		return l.store.UpdatePolicy(ctx, prev)
	}

	po := &engine.PolicyObject{
		ID:       uuid.New().String(),
		Name:     pf.Name,
		Type:     pf.Type,
		Priority: pf.Priority,
		Spec:     spec,
	}
	if err := l.store.CreatePolicy(ctx, po); err != nil {
		return err
	}
	byName[pf.Name] = po
	return nil
}

// Watch blocks, re-syncing the directory whenever files change, until the
// context is cancelled. Events are debounced because editors fire several
// per save.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn().Err(err).Msg("policy watch error")

		case <-trigger:
			if err := l.Sync(ctx); err != nil {
				l.logger.Error().Err(err).Msg("policy re-sync failed")
			}
		}
	}
}
