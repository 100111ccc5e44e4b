package catalog

import (
	"sort"

	"go.uber.org/zap"
)

// Excluded describes a record that failed validation and was dropped from
// the catalog rather than aborting the session.
type Excluded struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Catalog is an immutable, per-session index of records. Build it once from
// one or more sources; it is read-only afterwards.
type Catalog struct {
	byID    map[string]*Record
	ordered []*Record // sorted by id for deterministic iteration
	dropped []Excluded
}

// Build assembles a catalog from the given records, normalizing triggers and
// excluding invalid or duplicate entries. Exclusions are logged and kept on
// the catalog for the API to surface.
func Build(records []*Record, logger *zap.Logger) *Catalog {
	c := &Catalog{byID: make(map[string]*Record, len(records))}

	for _, r := range records {
		if err := r.Validate(); err != nil {
			c.dropped = append(c.dropped, Excluded{ID: r.ID, Source: r.Source, Reason: err.Error()})
			logger.Warn("excluding invalid record",
				zap.String("id", r.ID),
				zap.String("source", r.Source),
				zap.Error(err))
			continue
		}
		if _, dup := c.byID[r.ID]; dup {
			c.dropped = append(c.dropped, Excluded{ID: r.ID, Source: r.Source, Reason: "duplicate id"})
			logger.Warn("excluding duplicate record",
				zap.String("id", r.ID),
				zap.String("source", r.Source))
			continue
		}
		r.Trigger.normalize()
		c.byID[r.ID] = r
		c.ordered = append(c.ordered, r)
	}

	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })

	logger.Info("catalog built",
		zap.Int("records", len(c.ordered)),
		zap.Int("excluded", len(c.dropped)))
	return c
}

// Get returns a record by id, or nil if not present.
func (c *Catalog) Get(id string) *Record {
	return c.byID[id]
}

// Records returns every record, sorted by id.
func (c *Catalog) Records() []*Record {
	out := make([]*Record, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Excluded returns the records dropped during Build.
func (c *Catalog) Excluded() []Excluded {
	out := make([]Excluded, len(c.dropped))
	copy(out, c.dropped)
	return out
}

// Len returns the number of usable records.
func (c *Catalog) Len() int { return len(c.ordered) }
