package supervisor

import (
	"context"
	"sort"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/worker"
)

// ReloadResult lists the names touched by a reload
type ReloadResult struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// Empty reports whether the reload changed nothing
func (r ReloadResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// Reload makes descs the managed set: added names are started, removed
// names are stopped and dropped, changed ones are stopped and started
// with their new descriptor. Unchanged units are not touched. An
// invalid set is rejected before anything happens.
func (s *Supervisor) Reload(ctx context.Context, descs []*descriptor.Descriptor) (ReloadResult, error) {
	var res ReloadResult
	if err := descriptor.ValidateSet(descs); err != nil {
		return res, err
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	type change struct {
		u *unit
		d *descriptor.Descriptor
	}
	var added []*unit
	var changed []change
	var removed []*unit

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res, errShutdown()
	}
	keep := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		keep[d.Name] = struct{}{}
		u, ok := s.units[d.Name]
		switch {
		case !ok:
			added = append(added, s.register(d))
			res.Added = append(res.Added, d.Name)
		case !u.desiredDescriptor().Equal(d):
			u.setDesired(d)
			changed = append(changed, change{u, d})
			res.Changed = append(res.Changed, d.Name)
		default:
			res.Unchanged = append(res.Unchanged, d.Name)
		}
	}
	for name, u := range s.units {
		if _, ok := keep[name]; !ok {
			removed = append(removed, u)
			res.Removed = append(res.Removed, name)
		}
	}
	s.mu.Unlock()

	for _, names := range [][]string{res.Added, res.Removed, res.Changed, res.Unchanged} {
		sort.Strings(names)
	}
	s.logger.Info("reloading", "added", len(res.Added), "removed", len(res.Removed), "changed", len(res.Changed))

	pool := worker.NewPool(s.concurrency)
	for _, u := range removed {
		u := u
		pool.Go(func() error { return s.remove(ctx, u) })
	}
	for _, c := range changed {
		c := c
		pool.Go(func() error { return c.u.do(ctx, cmdReplace, c.d) })
	}
	for _, u := range added {
		u := u
		pool.Go(func() error { return u.do(ctx, cmdStart, nil) })
	}
	return res, pool.Wait()
}
