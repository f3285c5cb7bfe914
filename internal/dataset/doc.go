// Package dataset implements the spatial-sound audio-visual (SSAV) data
// loader.
//
// A dataset directory holds a manifest.jsonc (JSONC, comments allowed)
// listing clips; each clip references one raw audio shard per receiver and
// optionally a visual feature shard. Shards are flat little-endian float32
// files.
//
// The loader streams samples through a bounded channel fed by a pool of
// shard-reading workers. In distributed mode each replica reads a disjoint
// slice of the clip list (index mod world size), so replicas never train
// on the same clip in the same pass.
package dataset
