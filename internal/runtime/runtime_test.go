package runtime

import (
	"testing"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func newTestExponentialBackOff() *backoffv5.ExponentialBackOff {
	bo := backoffv5.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 0
	return bo
}

func unstructuredWithStatus(fields map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: fields}
}

func TestTransitionAllowsDeclaredPaths(t *testing.T) {
	assert.NoError(t, Transition(StateInitialized, StateAssembled))
	assert.NoError(t, Transition(StateAssembled, StateRunning))
	assert.NoError(t, Transition(StateRunning, StateDegraded))
	assert.NoError(t, Transition(StateDegraded, StateRunning))
	assert.NoError(t, Transition(StateRunning, StateStopped))
	assert.NoError(t, Transition(StateStopped, StateTerminated))
}

func TestTransitionRejectsSkippingAssembly(t *testing.T) {
	assert.Error(t, Transition(StateInitialized, StateRunning))
}

func TestTransitionRejectsLeavingTerminated(t *testing.T) {
	assert.Error(t, Transition(StateTerminated, StateRunning))
}

func TestFixedBackoffIsConstant(t *testing.T) {
	b := &fixedBackoff{delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, b.NextDelay())
	assert.Equal(t, 2*time.Second, b.NextDelay())
}

func TestLinearBackoffGrowsAndCaps(t *testing.T) {
	b := &linearBackoff{step: time.Second, max: 3 * time.Second}
	assert.Equal(t, 1*time.Second, b.NextDelay())
	assert.Equal(t, 2*time.Second, b.NextDelay())
	assert.Equal(t, 3*time.Second, b.NextDelay())
	assert.Equal(t, 3*time.Second, b.NextDelay())
	b.Reset()
	assert.Equal(t, 1*time.Second, b.NextDelay())
}

func TestExponentialBackoffGrows(t *testing.T) {
	b := &exponentialBackoff{bo: newTestExponentialBackOff()}
	first := b.NextDelay()
	second := b.NextDelay()
	assert.GreaterOrEqual(t, second, first)
}

func TestEvaluateReadinessDeployment(t *testing.T) {
	obj := unstructuredWithStatus(map[string]interface{}{
		"spec":   map[string]interface{}{"replicas": int64(3)},
		"status": map[string]interface{}{"readyReplicas": int64(3)},
	})
	status := evaluateReadiness("Deployment", obj)
	assert.True(t, status.Healthy)
}

func TestEvaluateReadinessDeploymentNotReady(t *testing.T) {
	obj := unstructuredWithStatus(map[string]interface{}{
		"spec":   map[string]interface{}{"replicas": int64(3)},
		"status": map[string]interface{}{"readyReplicas": int64(1)},
	})
	status := evaluateReadiness("Deployment", obj)
	assert.False(t, status.Healthy)
}

func TestEvaluateReadinessDeploymentScaledToZero(t *testing.T) {
	obj := unstructuredWithStatus(map[string]interface{}{
		"spec":   map[string]interface{}{"replicas": int64(0)},
		"status": map[string]interface{}{"readyReplicas": int64(0)},
	})
	status := evaluateReadiness("Deployment", obj)
	assert.True(t, status.Healthy, "an intentional scale-to-zero deployment with 0 ready replicas must be healthy, not defaulted to desired=1")
}

func TestEvaluateReadinessDeploymentMissingReplicasDefaultsToOne(t *testing.T) {
	obj := unstructuredWithStatus(map[string]interface{}{
		"spec":   map[string]interface{}{},
		"status": map[string]interface{}{"readyReplicas": int64(0)},
	})
	status := evaluateReadiness("Deployment", obj)
	assert.False(t, status.Healthy, "an absent replicas field should still default to desired=1, unlike an explicit 0")
}

func TestSplitObjectRef(t *testing.T) {
	kind, name, err := splitObjectRef("Deployment/my-app")
	assert.NoError(t, err)
	assert.Equal(t, "Deployment", kind)
	assert.Equal(t, "my-app", name)

	_, _, err = splitObjectRef("malformed")
	assert.Error(t, err)
}

func TestSplitFieldPath(t *testing.T) {
	assert.Equal(t, []string{"status", "version"}, splitFieldPath("status.version"))
	assert.Equal(t, []string{"status"}, splitFieldPath("status"))
}
