package v1alpha1

const (
	// HeaderStartupComponent is the manifest header carrying startup declarations.
	HeaderStartupComponent = "Startup-Component"

	// ConditionCapabilitiesAvailable is set on a ModuleManifest once the
	// required capabilities of one of its components are all available.
	ConditionCapabilitiesAvailable = "CapabilitiesAvailable"

	PhasePending = "Pending"
	PhaseReady   = "Ready"
)

// ModuleIdentity names a module and its version.
type ModuleIdentity struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}
