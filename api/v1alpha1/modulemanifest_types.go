package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ModuleManifest declares a loaded module and its manifest headers.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=mm
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Module",type=string,JSONPath=`.spec.module.id`
// +kubebuilder:printcolumn:name="Version",type=string,JSONPath=`.spec.module.version`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type ModuleManifest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ModuleManifestSpec   `json:"spec"`
	Status ModuleManifestStatus `json:"status,omitempty"`
}

type ModuleManifestSpec struct {
	Module ModuleIdentity `json:"module"`
	// Headers holds the module's manifest headers keyed by header name,
	// e.g. Startup-Component.
	Headers map[string]string `json:"headers,omitempty"`
}

type ModuleManifestStatus struct {
	Phase      string             `json:"phase,omitempty"`
	Message    string             `json:"message,omitempty"`
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
type ModuleManifestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ModuleManifest `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ModuleManifest{}, &ModuleManifestList{})
}
