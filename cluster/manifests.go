package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/RedisAI/llmbench/stream"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/strategicpatch"
	"sigs.k8s.io/yaml"
)

// RequestsDir is where workload and result files live inside benchmark jobs.
const RequestsDir = "/requests"

const gpuResource corev1.ResourceName = "nvidia.com/gpu"

func ptr[T any](v T) *T { return &v }

func securityContext() *corev1.SecurityContext {
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: ptr(false),
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		RunAsNonRoot:             ptr(false),
		SeccompProfile:           &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
	}
}

// DeploymentName is the name of the Deployment and Service serving spec.
func DeploymentName(spec ModelSpec, id string) string {
	name := fmt.Sprintf("llmbench-%s-%s-server", spec.Engine, spec.ShortName)
	if id != "" {
		name += "-" + id
	}
	return name
}

func healthProbe(period, timeout, failures int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: "/health", Port: intstr.FromString("http")},
		},
		PeriodSeconds:    period,
		TimeoutSeconds:   timeout,
		FailureThreshold: failures,
	}
}

func modelVolumes(spec ModelSpec) ([]corev1.Volume, []corev1.VolumeMount) {
	if len(spec.PVCs) == 0 {
		return []corev1.Volume{
				{Name: "models", VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: "/models"}}},
				{Name: "cache-volume", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{
					Medium: corev1.StorageMediumMemory, SizeLimit: ptr(resource.MustParse("1Gi"))}}},
			}, []corev1.VolumeMount{
				{Name: "models", MountPath: "/models"},
				{Name: "cache-volume", MountPath: "/dev/shm"},
			}
	}
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i, pvc := range spec.PVCs {
		name := "volume-" + strconv.Itoa(i)
		volumes = append(volumes, corev1.Volume{Name: name, VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvc.ClaimName}}})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: pvc.MountPath})
	}
	return volumes, mounts
}

func affinity(gpu string) *corev1.Affinity {
	if gpu == "" {
		return nil
	}
	return &corev1.Affinity{NodeAffinity: &corev1.NodeAffinity{
		RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
			NodeSelectorTerms: []corev1.NodeSelectorTerm{{
				MatchExpressions: []corev1.NodeSelectorRequirement{{
					Key:      "nvidia.com/gpu.product",
					Operator: corev1.NodeSelectorOpIn,
					Values:   []string{gpu},
				}},
			}},
		},
	}}
}

// ModelDeployment renders the Deployment of a model server.
func ModelDeployment(spec ModelSpec, name, namespace string) (*appsv1.Deployment, error) {
	labels := map[string]string{"app": name}
	command, args := spec.command()
	volumes, mounts := modelVolumes(spec)

	ports := []corev1.ContainerPort{{Name: "http", ContainerPort: vllmPort}}
	if spec.Engine == stream.ProtocolTGIS {
		ports = []corev1.ContainerPort{
			{Name: "http", ContainerPort: int32(spec.Port)},
			{Name: "grpc", ContainerPort: tgisGRPCPort},
		}
	}

	quantities := make([]resource.Quantity, 3)
	for i, s := range []string{spec.CPULimit, spec.MemoryLimit, spec.CPURequest} {
		q, err := resource.ParseQuantity(s)
		if err != nil {
			return nil, fmt.Errorf("model %s: resource %q: %w", spec.Name, s, err)
		}
		quantities[i] = q
	}
	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    quantities[0],
			corev1.ResourceMemory: quantities[1],
			gpuResource:           *resource.NewQuantity(int64(spec.NumGPUs), resource.DecimalSI),
		},
		Requests: corev1.ResourceList{corev1.ResourceCPU: quantities[2]},
	}

	dep := &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Strategy: appsv1.DeploymentStrategy{RollingUpdate: &appsv1.RollingUpdateDeployment{MaxSurge: ptr(intstr.FromInt32(1))}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
					Annotations: map[string]string{
						"prometheus.io/port":   strconv.Itoa(int(ports[0].ContainerPort)),
						"prometheus.io/scrape": "true",
					},
				},
				Spec: corev1.PodSpec{
					Affinity: affinity(spec.ClusterGPUName),
					Containers: []corev1.Container{{
						Name:            "server",
						Image:           spec.Image,
						Command:         command,
						Args:            args,
						Env:             spec.envVars(),
						Ports:           ports,
						Resources:       resources,
						LivenessProbe:   healthProbe(100, 30, 0),
						ReadinessProbe:  healthProbe(30, 10, 0),
						StartupProbe:    healthProbe(30, 0, 10000),
						SecurityContext: securityContext(),
						VolumeMounts:    mounts,
					}},
					EnableServiceLinks: ptr(false),
					PriorityClassName:  "system-node-critical",
					Volumes:            volumes,
				},
			},
		},
	}
	if spec.OverridesFile == "" {
		return dep, nil
	}
	overrides, err := os.ReadFile(spec.OverridesFile)
	if err != nil {
		return nil, err
	}
	return applyOverrides(dep, overrides)
}

// applyOverrides strategically merges a partial YAML manifest over dep.
func applyOverrides(dep *appsv1.Deployment, overridesYAML []byte) (*appsv1.Deployment, error) {
	patch, err := yaml.YAMLToJSON(overridesYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing overrides: %w", err)
	}
	original, err := json.Marshal(dep)
	if err != nil {
		return nil, err
	}
	merged, err := strategicpatch.StrategicMergePatch(original, patch, appsv1.Deployment{})
	if err != nil {
		return nil, fmt.Errorf("applying overrides: %w", err)
	}
	out := &appsv1.Deployment{}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ModelService renders the ClusterIP Service in front of a model server.
func ModelService(spec ModelSpec, name, namespace string) *corev1.Service {
	portName, port := spec.servicePort()
	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: map[string]string{"app": name}},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{{
				Name:       portName,
				Port:       int32(port),
				TargetPort: intstr.FromString(portName),
			}},
		},
	}
}

// workloadVolumes mounts the requests directory: a host path by default, or
// the workload PVC, reusing a model volume that already mounts it.
func workloadVolumes(model *ModelSpec, w WorkloadSpec) ([]corev1.Volume, []corev1.VolumeMount) {
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	if model != nil {
		volumes, mounts = modelVolumes(*model)
	}
	if w.PVCName == "" {
		volumes = append(volumes, corev1.Volume{Name: "requests", VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: RequestsDir}}})
		return volumes, append(mounts, corev1.VolumeMount{Name: "requests", MountPath: RequestsDir})
	}
	for _, v := range volumes {
		if v.PersistentVolumeClaim != nil && v.PersistentVolumeClaim.ClaimName == w.PVCName {
			return volumes, append(mounts, corev1.VolumeMount{Name: v.Name, MountPath: RequestsDir})
		}
	}
	volumes = append(volumes, corev1.Volume{Name: "requests", VolumeSource: corev1.VolumeSource{
		PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: w.PVCName}}})
	return volumes, append(mounts, corev1.VolumeMount{Name: "requests", MountPath: RequestsDir})
}

// benchmarkJob renders a single-container job running a benchmark binary.
func benchmarkJob(name, namespace, image string, env []corev1.EnvVar, args []string, backoffLimit int32,
	volumes []corev1.Volume, mounts []corev1.VolumeMount) *batchv1.Job {
	return &batchv1.Job{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr(backoffLimit),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            "llmbench",
						Image:           image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Env:             env,
						Command:         []string{"/bin/sh", "-ce"},
						Args:            args,
						VolumeMounts:    mounts,
						SecurityContext: securityContext(),
					}},
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes:       volumes,
				},
			},
		},
	}
}

// Render prints objects as a multi-document YAML stream.
func Render(objs ...interface{}) ([]byte, error) {
	var out []byte
	for i, obj := range objs {
		b, err := yaml.Marshal(obj)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			out = append(out, "---\n"...)
		}
		out = append(out, b...)
	}
	return out, nil
}
