package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CapabilityRegistration is one registered capability instance.
//
// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced,shortName=capreg
// +kubebuilder:printcolumn:name="Capability",type=string,JSONPath=`.spec.capabilityName`
// +kubebuilder:printcolumn:name="Manifest",type=string,JSONPath=`.spec.moduleManifestName`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type CapabilityRegistration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec CapabilityRegistrationSpec `json:"spec"`
}

type CapabilityRegistrationSpec struct {
	CapabilityName string `json:"capabilityName"`
	// ModuleManifestName is the ModuleManifest, in the same namespace, of the
	// registering module.
	ModuleManifestName string `json:"moduleManifestName"`
	// Properties are the registration attributes, e.g. componentKey for
	// listeners and capabilityName for providers.
	Properties map[string]string `json:"properties,omitempty"`
	// Count is the number of instances a capability provider will register.
	// +optional
	Count *int32 `json:"count,omitempty"`
}

// +kubebuilder:object:root=true
type CapabilityRegistrationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CapabilityRegistration `json:"items"`
}

func init() {
	SchemeBuilder.Register(&CapabilityRegistration{}, &CapabilityRegistrationList{})
}
