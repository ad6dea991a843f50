package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/pitabwire/sbomer/model"
)

// TaskRunResource is the Tekton TaskRun resource driven by this client.
var TaskRunResource = schema.GroupVersionResource{Group: "tekton.dev", Version: "v1", Resource: "taskruns"}

const watchRetryDelay = time.Second

// KubernetesClient drives Tekton TaskRuns through the dynamic client.
type KubernetesClient struct {
	dyn       dynamic.Interface
	namespace string
	logger    *zap.Logger
}

// NewKubernetesClient creates a client bound to one namespace.
func NewKubernetesClient(dyn dynamic.Interface, namespace string, logger *zap.Logger) *KubernetesClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KubernetesClient{dyn: dyn, namespace: namespace, logger: logger}
}

// NewDynamicClient builds a dynamic client from a kubeconfig path. An empty
// path uses the in-cluster configuration.
func NewDynamicClient(kubeconfig string) (dynamic.Interface, error) {
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return dyn, nil
}

func (c *KubernetesClient) taskRuns() dynamic.ResourceInterface {
	return c.dyn.Resource(TaskRunResource).Namespace(c.namespace)
}

// Create submits a TaskRun. An existing TaskRun with the same name is left
// untouched.
func (c *KubernetesClient) Create(ctx context.Context, spec model.ResourceSpec) error {
	obj := taskRunFromSpec(spec, c.namespace)
	_, err := c.taskRuns().Create(ctx, obj, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.logger.Debug("task run already exists", zap.String("name", spec.Name))
		return nil
	}
	return err
}

// List returns the TaskRuns labelled with the work unit id.
func (c *KubernetesClient) List(ctx context.Context, workUnitID string) ([]model.ExecutorResource, error) {
	list, err := c.taskRuns().List(ctx, metav1.ListOptions{LabelSelector: UnitSelector(workUnitID)})
	if err != nil {
		return nil, err
	}
	result := make([]model.ExecutorResource, 0, len(list.Items))
	for i := range list.Items {
		result = append(result, resourceFromTaskRun(&list.Items[i]))
	}
	return result, nil
}

// Watch streams the work unit ids of changed TaskRuns, re-opening the
// underlying watch whenever the server closes it.
func (c *KubernetesClient) Watch(ctx context.Context) (<-chan string, error) {
	w, err := c.taskRuns().Watch(ctx, metav1.ListOptions{LabelSelector: Selector()})
	if err != nil {
		return nil, fmt.Errorf("watch task runs: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for {
			for ev := range w.ResultChan() {
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok {
					continue
				}
				id := obj.GetLabels()[LabelWorkUnitID]
				if id == "" {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					w.Stop()
					return
				}
			}
			w.Stop()

			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}

			w, err = c.taskRuns().Watch(ctx, metav1.ListOptions{LabelSelector: Selector()})
			for err != nil {
				c.logger.Warn("re-opening task run watch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(watchRetryDelay):
				}
				w, err = c.taskRuns().Watch(ctx, metav1.ListOptions{LabelSelector: Selector()})
			}
		}
	}()
	return out, nil
}

// DeleteFor removes every TaskRun of a work unit.
func (c *KubernetesClient) DeleteFor(ctx context.Context, workUnitID string) error {
	list, err := c.taskRuns().List(ctx, metav1.ListOptions{LabelSelector: UnitSelector(workUnitID)})
	if err != nil {
		return err
	}
	policy := metav1.DeletePropagationBackground
	for _, item := range list.Items {
		err := c.taskRuns().Delete(ctx, item.GetName(), metav1.DeleteOptions{PropagationPolicy: &policy})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete %s: %w", item.GetName(), err)
		}
	}
	return nil
}

// HealthCheck lists a single TaskRun to prove the API is reachable.
func (c *KubernetesClient) HealthCheck(ctx context.Context) error {
	_, err := c.taskRuns().List(ctx, metav1.ListOptions{LabelSelector: Selector(), Limit: 1})
	return err
}

func taskRunFromSpec(spec model.ResourceSpec, namespace string) *unstructured.Unstructured {
	params := make([]any, 0, len(spec.Params))
	for _, name := range []string{ParamIdentifier, ParamConfig} {
		if v, ok := spec.Params[name]; ok {
			params = append(params, map[string]any{"name": name, "value": v})
		}
	}

	labels := make(map[string]any, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}

	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": TaskRunResource.GroupVersion().String(),
		"kind":       "TaskRun",
		"metadata": map[string]any{
			"name":      spec.Name,
			"namespace": namespace,
			"labels":    labels,
		},
		"spec": map[string]any{
			"serviceAccountName": spec.ServiceAccountName,
			"taskRef":            map[string]any{"name": spec.TaskRef},
			"params":             params,
			"workspaces": []any{
				map[string]any{
					"name":    WorkspaceData,
					"subPath": spec.WorkspaceSubPath,
					"persistentVolumeClaim": map[string]any{
						"claimName": spec.WorkspaceClaim,
					},
				},
			},
		},
	}}
}

func resourceFromTaskRun(obj *unstructured.Unstructured) model.ExecutorResource {
	res := model.ExecutorResource{
		Name:      obj.GetName(),
		Labels:    obj.GetLabels(),
		CreatedAt: obj.GetCreationTimestamp().Time,
	}

	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if !ok || cond["type"] != "Succeeded" {
			continue
		}
		status, _ := cond["status"].(string)
		res.Finished = status == "True" || status == "False"
		res.Succeeded = status == "True"
		res.Message, _ = cond["message"].(string)
	}

	steps, _, _ := unstructured.NestedSlice(obj.Object, "status", "steps")
	for _, s := range steps {
		step, ok := s.(map[string]any)
		if !ok {
			continue
		}
		state := model.StepState{}
		state.Name, _ = step["name"].(string)
		if term, ok := step["terminated"].(map[string]any); ok {
			state.Terminated = &model.TerminatedState{ExitCode: toInt32(term["exitCode"])}
			state.Terminated.Reason, _ = term["reason"].(string)
		}
		res.Steps = append(res.Steps, state)
	}

	// v1 publishes "results", v1beta1 "taskResults".
	for _, field := range []string{"results", "taskResults"} {
		results, _, _ := unstructured.NestedSlice(obj.Object, "status", field)
		for _, r := range results {
			result, ok := r.(map[string]any)
			if !ok {
				continue
			}
			name, _ := result["name"].(string)
			value, _ := result["value"].(string)
			if name == "" {
				continue
			}
			if res.Results == nil {
				res.Results = make(map[string]string)
			}
			res.Results[name] = value
		}
	}
	return res
}

func toInt32(v any) int32 {
	switch n := v.(type) {
	case int64:
		return int32(n)
	case int32:
		return n
	case int:
		return int32(n)
	case float64:
		return int32(n)
	default:
		return 0
	}
}
