package reconcile

import (
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

// maxListed caps how many items per group are written to the log.
const maxListed = 5

// Report is the result of a reconcile pass.
type Report struct {
	Source  crawler.ManifestSource `json:"source"`
	Entries int                    `json:"entries"`
	Stale   []crawler.Record       `json:"stale"`
	Orphans []string               `json:"orphans"`
	Removed int                    `json:"removed"`
}

// Group is a named bucket of report items.
type Group struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// StaleByProgram groups stale record filenames by program.
func (r Report) StaleByProgram() []Group {
	buckets := map[string][]string{}
	for _, rec := range r.Stale {
		program := rec.Program
		if program == "" {
			program = "unknown"
		}
		name := rec.Filename
		if name == "" {
			name = rec.Identity
		}
		buckets[program] = append(buckets[program], name)
	}
	return sortedGroups(buckets)
}

// OrphansByDir groups orphaned file names by directory, relative to root
// when possible.
func (r Report) OrphansByDir(root string) []Group {
	buckets := map[string][]string{}
	for _, p := range r.Orphans {
		dir := filepath.Dir(p)
		if root != "" {
			if rel, err := filepath.Rel(crawler.NormalizePath(root), dir); err == nil {
				dir = rel
			}
		}
		buckets[dir] = append(buckets[dir], filepath.Base(p))
	}
	return sortedGroups(buckets)
}

// Log writes the grouped report, listing at most five items per group.
func (r Report) Log(logger *zap.Logger, root string) {
	logger.Info("reconcile report",
		zap.String("manifest_source", string(r.Source)),
		zap.Int("entries", r.Entries),
		zap.Int("stale", len(r.Stale)),
		zap.Int("orphans", len(r.Orphans)),
		zap.Int("removed", r.Removed),
	)
	for _, g := range r.StaleByProgram() {
		logger.Info("stale records", groupFields(g)...)
	}
	for _, g := range r.OrphansByDir(root) {
		logger.Info("orphaned files, not deleted", groupFields(g)...)
	}
}

func groupFields(g Group) []zap.Field {
	shown := g.Items
	if len(shown) > maxListed {
		shown = shown[:maxListed]
	}
	return []zap.Field{
		zap.String("group", g.Name),
		zap.Int("count", len(g.Items)),
		zap.Strings("items", shown),
		zap.Int("more", len(g.Items)-len(shown)),
	}
}

func sortedGroups(buckets map[string][]string) []Group {
	out := make([]Group, 0, len(buckets))
	for name, items := range buckets {
		sort.Strings(items)
		out = append(out, Group{Name: name, Items: items})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
