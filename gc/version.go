package gc

import (
	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/persistentnode"
)

// Version information for the gcroots runtime.
const (
	// Version is the current version of the gcroots runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides build information about the runtime.
type Info struct {
	// Version is the runtime version string.
	Version string

	// SlotsPerBlock is the number of persistent nodes per slot block.
	SlotsPerBlock int

	// Assertions reports whether debug assertions are compiled in. They are
	// removed by building with -tags gcroots_release.
	Assertions bool
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := gc.GetInfo()
//	fmt.Printf("gcroots %s (assertions: %v)\n", info.Version, info.Assertions)
func GetInfo() Info {
	return Info{
		Version:       Version,
		SlotsPerBlock: persistentnode.SlotsPerBlock,
		Assertions:    assert.Enabled,
	}
}
