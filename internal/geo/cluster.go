package geo

import (
	"fmt"
	"math"
)

// MinCellKm is the smallest grid cell edge used for bucketing.
const MinCellKm = 50.0

// Groups maps a group id to its member coordinates in input order.
type Groups map[string][]Coord

type cell struct {
	x, y int
}

var neighbourhood = [9]cell{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 0}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// disjointSet is a union-find arena over point indices. The root of every
// set is its smallest index.
type disjointSet struct {
	parent []int
}

func newDisjointSet(n int) *disjointSet {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &disjointSet{parent: parent}
}

func (d *disjointSet) find(i int) int {
	for d.parent[i] != i {
		d.parent[i] = d.parent[d.parent[i]]
		i = d.parent[i]
	}
	return i
}

func (d *disjointSet) union(i, j int) {
	ri, rj := d.find(i), d.find(j)
	switch {
	case ri == rj:
	case ri < rj:
		d.parent[rj] = ri
	default:
		d.parent[ri] = rj
	}
}

func hashCell(c Coord, cellKm float64) cell {
	step := cellKm / KmPerDegree
	return cell{
		x: int(math.Floor(c.Lat / step)),
		y: int(math.Floor(c.Lon / step)),
	}
}

// Partition clusters coords under thresholdKm and returns, for every input
// index, the smallest index of the cluster it belongs to.
//
// Two points share a cluster when a chain of hops, each at most
// thresholdKm by haversine distance, connects them. The result depends only
// on the points and their order, never on map iteration.
//
// Parameters:
//   - coords: Points in caller order; duplicates are allowed and join the
//     same cluster
//   - thresholdKm: Maximum hop length; must be positive and finite
//
// Returns:
//   - roots, with len(roots) == len(coords); roots[i] == i marks the first
//     member of a cluster
//   - nil for empty input
//
// Implementation:
//   - Points are bucketed into cells of max(thresholdKm, MinCellKm)
//   - Each cell is compared against itself and its eight neighbours, each
//     pair once (j > i)
//   - Pairs failing the per-axis bound are skipped before Haversine
//   - Accepted pairs are merged in the disjoint set
//
// Example:
//
//	roots := Partition([]Coord{berlin, gabon, potsdam}, 50)
//	// roots == []int{0, 1, 0}
func Partition(coords []Coord, thresholdKm float64) []int {
	if len(coords) == 0 {
		return nil
	}

	cellKm := math.Max(thresholdKm, MinCellKm)
	cells := make(map[cell][]int)
	for idx, c := range coords {
		key := hashCell(c, cellKm)
		cells[key] = append(cells[key], idx)
	}

	set := newDisjointSet(len(coords))
	candidates := make([]int, 0, 16)

	for key, idxs := range cells {
		candidates = candidates[:0]
		for _, off := range neighbourhood {
			candidates = append(candidates, cells[cell{key.x + off.x, key.y + off.y}]...)
		}

		for _, i := range idxs {
			ci := coords[i]
			for _, j := range candidates {
				if j <= i {
					continue
				}
				cj := coords[j]
				if math.Abs(ci.Lat-cj.Lat)*KmPerDegree > thresholdKm ||
					math.Abs(ci.Lon-cj.Lon)*KmPerDegree > thresholdKm {
					continue
				}
				if Haversine(ci, cj) <= thresholdKm {
					set.union(i, j)
				}
			}
		}
	}

	roots := make([]int, len(coords))
	for i := range coords {
		roots[i] = set.find(i)
	}
	return roots
}

// GroupID formats the label of the group rooted at index root.
func GroupID(root int) string {
	return fmt.Sprintf("G-%d", root)
}

// ClusterCoordinates groups coords under thresholdKm.
//
// Parameters:
//   - coords: Points to group
//   - thresholdKm: Maximum hop length, as for Partition
//   - caller: Optional point whose group size is wanted; matched by exact
//     equality against coords
//
// Returns:
//   - Groups keyed by GroupID, members in input order; empty, never nil, for
//     empty input
//   - The size of caller's group, or 0 when caller is nil or not in coords
//
// Every input point lands in exactly one group, so the group sizes always
// add up to len(coords).
func ClusterCoordinates(coords []Coord, thresholdKm float64, caller *Coord) (Groups, int) {
	groups := make(Groups)
	if len(coords) == 0 {
		return groups, 0
	}

	roots := Partition(coords, thresholdKm)
	for idx, c := range coords {
		id := GroupID(roots[idx])
		groups[id] = append(groups[id], c)
	}

	if caller == nil {
		return groups, 0
	}
	for idx, c := range coords {
		if c == *caller {
			return groups, len(groups[GroupID(roots[idx])])
		}
	}
	return groups, 0
}
