package model

const (
	AppName = "robosync"

	// DefaultOwnerEnv names the env var the CLI falls back on when --owner is unset.
	DefaultOwnerEnv = "ROBOSYNC_OWNER"
)

// Args holds the persistent command line arguments.
type Args struct {
	LogLevel        string
	ConfigFile      string
	Owner           string
	EnableProfiling bool
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
