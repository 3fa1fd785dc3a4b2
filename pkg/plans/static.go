package plans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/plangate/pkg/subscription"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a plan catalog
type File struct {
	Plans []Plan `yaml:"plans"`
}

type planSet struct {
	ordered []Plan
	byID    map[string]Plan
}

func newPlanSet(all []Plan) (*planSet, error) {
	set := &planSet{
		ordered: make([]Plan, 0, len(all)),
		byID:    make(map[string]Plan, len(all)),
	}
	for _, p := range all {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %s", p.ID)
		}
		set.byID[p.ID] = p
		set.ordered = append(set.ordered, p)
	}
	return set, nil
}

// StaticCatalog serves plans from memory. Readers never block: reloads build
// a new set and swap it in atomically.
type StaticCatalog struct {
	plans  atomic.Pointer[planSet]
	logger *logrus.Logger
}

// NewStaticCatalog creates a catalog holding the given plans
func NewStaticCatalog(all []Plan, logger *logrus.Logger) (*StaticCatalog, error) {
	if logger == nil {
		logger = logrus.New()
	}
	c := &StaticCatalog{logger: logger}
	if err := c.Replace(all); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile creates a catalog from a YAML file
func LoadFile(path string, logger *logrus.Logger) (*StaticCatalog, error) {
	all, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return NewStaticCatalog(all, logger)
}

func readFile(path string) ([]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog %s defines no plans", path)
	}
	return file.Plans, nil
}

// Replace swaps the full plan set. On error the previous set stays in place.
func (c *StaticCatalog) Replace(all []Plan) error {
	set, err := newPlanSet(all)
	if err != nil {
		return fmt.Errorf("invalid plan catalog: %w", err)
	}
	c.plans.Store(set)
	return nil
}

// Reload re-reads the catalog file
func (c *StaticCatalog) Reload(path string) error {
	all, err := readFile(path)
	if err != nil {
		return err
	}
	return c.Replace(all)
}

// GetPlan returns the plan with the given id
func (c *StaticCatalog) GetPlan(ctx context.Context, id string) (Plan, error) {
	p, ok := c.plans.Load().byID[id]
	if !ok {
		return Plan{}, subscription.PlanNotFound(id)
	}
	return p, nil
}

// ListPlans returns all plans in catalog order
func (c *StaticCatalog) ListPlans(ctx context.Context) ([]Plan, error) {
	set := c.plans.Load()
	out := make([]Plan, len(set.ordered))
	copy(out, set.ordered)
	return out, nil
}

// Watch reloads the catalog whenever the file at path is written or
// replaced. It blocks until ctx is done. A reload that fails validation is
// logged and the previous plans keep serving.
func (c *StaticCatalog) Watch(ctx context.Context, path string, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files with renames, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(path); err != nil {
				c.logger.WithError(err).WithField("path", path).Warn("Plan catalog reload failed, keeping previous plans")
				continue
			}
			c.logger.WithField("path", path).Info("Plan catalog reloaded")
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WithError(err).Warn("Plan catalog watcher error")
		}
	}
}
