package types

// RuntimeCapabilities is the static descriptor every Runtime backend
// exposes so callers can gate optional operations instead of downcasting.
type RuntimeCapabilities struct {
	SupportsScaling          bool
	SupportsHealthChecks     bool
	SupportsMetrics          bool
	SupportsHotReload        bool
	SupportsPersistentStorage bool
	SupportsNetworkIsolation bool
	MaxConcurrentInstances   int
	SupportedProtocols       []string
}

// RuntimeConfig is the configuration envelope shared by every runtime
// variant.
type RuntimeConfig struct {
	RuntimeType        RuntimeType
	Settings           map[string]string
	GlobalEnvironment  map[string]string
	ResourcePool       ResourceLimits
	SpearletConfigName string
}
