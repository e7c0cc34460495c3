package records

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Catalog groups the named collections the transactional tools read.
type Catalog struct {
	collections map[string]*MemorySource
}

// NewCatalog creates an empty catalog with the standard collections.
func NewCatalog() *Catalog {
	return &Catalog{collections: map[string]*MemorySource{
		Members:  NewMemorySource(),
		Visits:   NewMemorySource(),
		Plans:    NewMemorySource(),
		Coverage: NewMemorySource(),
	}}
}

// Collection returns a named collection, creating it empty if needed.
func (c *Catalog) Collection(name string) *MemorySource {
	src, ok := c.collections[name]
	if !ok {
		src = NewMemorySource()
		c.collections[name] = src
	}
	return src
}

// Names lists collection names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// catalogFile is the on-disk shape: members carry nested visits and plans
// carry a covered_procedures map keyed by procedure code.
type catalogFile struct {
	Members []map[string]interface{} `json:"members"`
	Plans   []map[string]interface{} `json:"plans"`
}

// LoadJSON reads a catalog file and flattens nested visits and coverage
// into their own collections.
func LoadJSON(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records file: %w", err)
	}
	return ParseJSON(data)
}

// ParseJSON is LoadJSON over bytes.
func ParseJSON(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	cat := NewCatalog()
	for i, m := range file.Members {
		member := Record{}
		for k, v := range m {
			if k != "visits" {
				member[k] = v
			}
		}
		memberID := member.String("member_id")
		if memberID == "" {
			return nil, fmt.Errorf("member %d has no member_id", i)
		}
		cat.Collection(Members).Add(member)

		visits, _ := m["visits"].([]interface{})
		for _, raw := range visits {
			v, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			visit := Record(v).Clone()
			visit["member_id"] = memberID
			cat.Collection(Visits).Add(visit)
		}
	}

	for i, p := range file.Plans {
		plan := Record{}
		for k, v := range p {
			if k != "covered_procedures" {
				plan[k] = v
			}
		}
		planID := plan.String("plan_id")
		if planID == "" {
			return nil, fmt.Errorf("plan %d has no plan_id", i)
		}
		cat.Collection(Plans).Add(plan)

		procs, _ := p["covered_procedures"].(map[string]interface{})
		codes := make([]string, 0, len(procs))
		for code := range procs {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			entry, _ := procs[code].(map[string]interface{})
			row := Record{"plan_id": planID, "procedure_code": code}
			for k, v := range entry {
				row[k] = v
			}
			cat.Collection(Coverage).Add(row)
		}
	}

	return cat, nil
}
