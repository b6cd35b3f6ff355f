// Package seed loads initial configurations, environments and groups.
//
// A seed document is YAML or TOML. Configuration content is inline or read
// from a file next to the document. Applying a seed never modifies
// existing records: anything whose name is already taken is skipped.
package seed
