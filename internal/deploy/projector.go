package deploy

import "sort"

// Summary is the aggregate view handed to polling clients.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	Running  []string       `json:"running"`
}

// LatestPerLineage reduces a record set to the newest version of each
// lineage, newest creation first. History versions never shadow the head.
func LatestPerLineage(deps []Deployment) []Deployment {
	latest := make(map[LineageKey]Deployment, len(deps))
	for _, d := range deps {
		cur, ok := latest[d.Lineage()]
		if !ok || d.Version > cur.Version {
			latest[d.Lineage()] = d
		}
	}

	out := make([]Deployment, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Aggregate computes status counts and the running set over the latest
// version per lineage. It is a pure function of its input: calling it twice
// on the same records yields identical results.
func Aggregate(deps []Deployment) Summary {
	latest := LatestPerLineage(deps)

	sum := Summary{
		Total:    len(latest),
		ByStatus: make(map[Status]int, 5),
		Running:  []string{},
	}
	for _, d := range latest {
		sum.ByStatus[d.Status]++
		if d.Status == StatusRunning {
			sum.Running = append(sum.Running, d.ID)
		}
	}
	sort.Strings(sum.Running)
	return sum
}
