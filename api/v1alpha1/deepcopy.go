package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ModuleManifest) DeepCopyInto(out *ModuleManifest) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy copies the receiver, creating a new ModuleManifest.
func (in *ModuleManifest) DeepCopy() *ModuleManifest {
	if in == nil {
		return nil
	}
	out := new(ModuleManifest)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ModuleManifest) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ModuleManifestSpec) DeepCopyInto(out *ModuleManifestSpec) {
	*out = *in
	out.Headers = copyStringMap(in.Headers)
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ModuleManifestStatus) DeepCopyInto(out *ModuleManifestStatus) {
	*out = *in
	if in.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(in.Conditions))
		for i := range in.Conditions {
			in.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ModuleManifestList) DeepCopyInto(out *ModuleManifestList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]ModuleManifest, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new ModuleManifestList.
func (in *ModuleManifestList) DeepCopy() *ModuleManifestList {
	if in == nil {
		return nil
	}
	out := new(ModuleManifestList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ModuleManifestList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *CapabilityRegistration) DeepCopyInto(out *CapabilityRegistration) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
}

// DeepCopy copies the receiver, creating a new CapabilityRegistration.
func (in *CapabilityRegistration) DeepCopy() *CapabilityRegistration {
	if in == nil {
		return nil
	}
	out := new(CapabilityRegistration)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *CapabilityRegistration) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *CapabilityRegistrationSpec) DeepCopyInto(out *CapabilityRegistrationSpec) {
	*out = *in
	out.Properties = copyStringMap(in.Properties)
	if in.Count != nil {
		out.Count = new(int32)
		*out.Count = *in.Count
	}
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *CapabilityRegistrationList) DeepCopyInto(out *CapabilityRegistrationList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]CapabilityRegistration, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new CapabilityRegistrationList.
func (in *CapabilityRegistrationList) DeepCopy() *CapabilityRegistrationList {
	if in == nil {
		return nil
	}
	out := new(CapabilityRegistrationList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *CapabilityRegistrationList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}
