package kube

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"

	startupv1alpha1 "github.com/anvil-platform/startorder/api/v1alpha1"
	"github.com/anvil-platform/startorder/internal/startup"
)

const (
	reasonCapabilitiesAvailable = "RequiredCapabilitiesAvailable"
	statusPatchTimeout          = 10 * time.Second
)

// StatusListener reports a satisfied component on its ModuleManifest.
type StatusListener struct {
	Client       client.Client
	Recorder     record.EventRecorder
	Log          logr.Logger
	Manifest     types.NamespacedName
	ComponentKey string
}

var _ startup.Listener = (*StatusListener)(nil)

func (l *StatusListener) OnAllRequiredCapabilitiesAvailable() {
	ctx, cancel := context.WithTimeout(context.Background(), statusPatchTimeout)
	defer cancel()

	logger := l.Log.WithValues("moduleManifest", l.Manifest.String(), "component", l.ComponentKey)
	var mm startupv1alpha1.ModuleManifest
	if err := l.Client.Get(ctx, l.Manifest, &mm); err != nil {
		logger.Error(err, "failed to load modulemanifest for startup status")
		return
	}

	msg := fmt.Sprintf("Component %q has all required capabilities available", l.ComponentKey)
	if err := l.patchStatus(ctx, &mm, startupv1alpha1.PhaseReady, msg, metav1.Condition{
		Type:    startupv1alpha1.ConditionCapabilitiesAvailable,
		Status:  metav1.ConditionTrue,
		Reason:  reasonCapabilitiesAvailable,
		Message: msg,
	}); err != nil {
		logger.Error(err, "failed to patch modulemanifest status")
		return
	}
	l.recordEventf(&mm, corev1.EventTypeNormal, reasonCapabilitiesAvailable, "%s", msg)
}

func (l *StatusListener) patchStatus(ctx context.Context, mm *startupv1alpha1.ModuleManifest, phase, message string, conds ...metav1.Condition) error {
	before := mm.DeepCopy()
	mm.Status.Phase = phase
	mm.Status.Message = message
	for _, c := range conds {
		setManifestCondition(mm, c)
	}
	return l.Client.Status().Patch(ctx, mm, client.MergeFrom(before))
}

func (l *StatusListener) recordEventf(obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if l.Recorder == nil || obj == nil {
		return
	}
	l.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func setManifestCondition(mm *startupv1alpha1.ModuleManifest, condition metav1.Condition) {
	if mm == nil {
		return
	}
	condition.ObservedGeneration = mm.Generation
	meta.SetStatusCondition(&mm.Status.Conditions, condition)
}
