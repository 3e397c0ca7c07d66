package config

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("config")

// Apply sets the global and per-subsystem log levels.
func (l Logging) Apply() error {
	if l.Level != "" {
		lvl, err := logging.LevelFromString(l.Level)
		if err != nil {
			return xerrors.Errorf("Logging.Level: %w", err)
		}
		logging.SetAllLoggers(lvl)
	}
	for sys, lvl := range l.SubsystemLevels {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			return xerrors.Errorf("Logging.SubsystemLevels[%s]: %w", sys, err)
		}
	}
	return nil
}
