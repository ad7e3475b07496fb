// Plugin contract (PluginV1).
// External plugins implement this interface and export a "FleetPlugin" symbol.
package v1

// PluginAPIVersion is the current plugin API version.
// Checked at plugin load time to prevent incompatible plugins from loading.
const PluginAPIVersion = "v1"

// Hook names fired by fleet.
const (
	HookPreDeploy         = "OnPreDeploy"
	HookPostDeploy        = "OnPostDeploy"
	HookSecretRegenerated = "OnSecretRegenerated"
)

// HookFunc is a function invoked at a named lifecycle point.
type HookFunc func(ctx HookContext) error

// HookContext carries contextual data passed to plugin hooks.
type HookContext struct {
	Host      string
	Action    DeployAction
	Secret    string // empty for deploy hooks
	StorePath string
	Result    string // success | failure, empty for pre-hooks
	// Metadata is a free-form map for passing extension data between hooks.
	Metadata map[string]string
}

// PluginV1 is the interface every fleet plugin must implement.
type PluginV1 interface {
	// Name returns the human-readable plugin identifier.
	Name() string

	// APIVersion must return exactly PluginAPIVersion.
	APIVersion() string

	// Init is called once after the plugin is loaded. Return an error to abort loading.
	Init(cfg map[string]string) error

	// Hooks returns the named hooks this plugin subscribes to:
	// OnPreDeploy, OnPostDeploy, OnSecretRegenerated.
	Hooks() map[string]HookFunc

	// Shutdown is called when fleet exits cleanly.
	Shutdown() error
}
