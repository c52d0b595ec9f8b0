package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade forge to continue", e.Version, e.Current)
}

// ValidateVersion accepts any version up to CurrentVersion. Files written
// before versioning carry no version and are treated as current.
func ValidateVersion(version int) error {
	if version > CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
