// Package pathresolver turns a plugin name and an operation name into the
// on-disk script path that implements it, per the filesystem layout of
// spec.md §6. These are pure functions: no I/O, no state.
package pathresolver

import "path/filepath"

// Resolver knows the root directory under which volume and datapath
// plugins live.
type Resolver struct {
	root string
}

// New builds a Resolver rooted at root (spec.md §6's "root" resource).
func New(root string) Resolver {
	return Resolver{root: root}
}

// Root returns the configured root directory.
func (r Resolver) Root() string {
	return r.root
}

// VolumeDir is the directory holding a single volume plugin's operation
// scripts: <root>/volume/<plugin>/.
func (r Resolver) VolumeDir(plugin string) string {
	return filepath.Join(r.root, "volume", plugin)
}

// VolumeScript resolves the script implementing one operation of a volume
// plugin: <root>/volume/<plugin>/<operation>.
func (r Resolver) VolumeScript(plugin, operation string) string {
	return filepath.Join(r.VolumeDir(plugin), operation)
}

// DatapathRoot is the directory under which datapath plugins live:
// <root>/datapath/.
func (r Resolver) DatapathRoot() string {
	return filepath.Join(r.root, "datapath")
}

// DatapathDir is the directory holding a single datapath plugin's
// operation scripts: <root>/datapath/<datapath-name>/.
func (r Resolver) DatapathDir(name string) string {
	return filepath.Join(r.DatapathRoot(), name)
}

// DatapathScript resolves the script implementing one operation of a
// datapath plugin: <root>/datapath/<datapath-name>/<operation>.
func (r Resolver) DatapathScript(name, operation string) string {
	return filepath.Join(r.DatapathDir(name), operation)
}

// VolumeRoot is the directory watched for volume plugin discovery:
// <root>/volume/.
func (r Resolver) VolumeRoot() string {
	return filepath.Join(r.root, "volume")
}
