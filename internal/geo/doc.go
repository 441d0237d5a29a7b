// Package geo groups reported coordinates into proximity clusters.
//
// # Overview
//
// A cluster is a maximal set of points connected by a chain of hops where
// every hop is at most the configured threshold (single-linkage). Two points
// that never come within the threshold of each other can still end up in the
// same cluster when a third point sits between them.
//
// # Algorithm
//
// Clustering runs in three passes over the input:
//
//	┌──────────────┐   ┌──────────────────┐   ┌──────────────────┐
//	│ grid bucket  │ → │ 3×3 neighbourhood│ → │ union-find roots │
//	│ (cell ≥50km) │   │ pair comparisons │   │ → groups         │
//	└──────────────┘   └──────────────────┘   └──────────────────┘
//
// The passes in detail:
//
//  1. Every point is hashed into a square cell of max(threshold, 50) km,
//     converting degrees with a fixed 111.32 km per degree.
//  2. For each occupied cell, candidate pairs are drawn from the cell and its
//     eight neighbours. A per-axis check discards pairs whose latitude or
//     longitude delta already exceeds the threshold before the haversine
//     distance is computed.
//  3. Pairs within the threshold are merged in a disjoint-set arena with path
//     halving. Each surviving root labels one group.
//
// Expected cost is close to linear in the number of points as long as points
// are spread over many cells.
//
// # Limitations
//
// The equirectangular degree conversion is anisotropic: one degree of
// longitude is much shorter than 111.32 km away from the equator. Near the
// poles the grid and the per-axis check may keep apart two points that are
// within the threshold. Merged pairs are always verified with the exact
// haversine distance, so a returned group never contains a hop longer than
// the threshold. Longitude wrap-around at ±180° is not handled.
//
// # Group identity
//
// Group ids are "G-<n>" where n is the smallest input index in the group. They
// are stable for a given input order only; callers must treat them as labels
// valid for the current computation.
package geo
