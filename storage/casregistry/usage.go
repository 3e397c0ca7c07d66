package casregistry

// Usage restricts which programs should accept a given backend.
//
// In Go, "plugins" are linked at build time: a backend registers itself via init(),
// and is enabled in a binary by importing the backend package (often as a blank import).
type Usage uint8

const (
	// UsageClient indicates the backend may back the engine in CLI programs (e.g. audex).
	UsageClient Usage = 1 << iota
	// UsageDaemon indicates the backend may be served by long-running daemons (e.g. audex-casd).
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }
