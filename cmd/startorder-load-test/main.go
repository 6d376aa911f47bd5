package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"sigs.k8s.io/controller-runtime/pkg/client"

	startupv1alpha1 "github.com/anvil-platform/startorder/api/v1alpha1"
	"github.com/anvil-platform/startorder/internal/graph"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(startupv1alpha1.AddToScheme(scheme))
}

// The coordinator lists modules once when it starts, so a run is split in two:
// -phase=declare creates the ModuleManifests, the coordinator is (re)started,
// then -phase=register creates the registrations and measures how long each
// component takes to become Ready.
func main() {
	var kubeconfig string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	} else {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	flag.StringVar(&kubeconfig, "kubeconfig", kubeconfig, "absolute path to the kubeconfig file")

	var numComponents int
	var namespace string
	var phase string
	var instances int

	flag.IntVar(&numComponents, "components", 10, "Number of components to declare or register")
	flag.StringVar(&namespace, "namespace", "default", "Namespace for the load test objects")
	flag.StringVar(&phase, "phase", "declare", "declare or register")
	flag.IntVar(&instances, "instances", 2, "Instances of each required capability")
	flag.Parse()

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		log.Fatalf("Error building kubeconfig: %v", err)
	}

	k8sClient, err := client.New(config, client.Options{Scheme: scheme})
	if err != nil {
		log.Fatalf("Error creating client: %v", err)
	}

	run := time.Now().Unix()
	switch phase {
	case "declare":
		declare(k8sClient, namespace, numComponents, instances)
	case "register":
		register(k8sClient, namespace, numComponents, instances, run)
	default:
		log.Fatalf("unknown phase %q", phase)
	}
}

func manifestName(id int) string { return fmt.Sprintf("load-test-%d", id) }

func declare(c client.Client, namespace string, n, instances int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		key := manifestName(i)
		capability := fmt.Sprintf("load.svc.%d", i)
		header := fmt.Sprintf(`startup.component;componentKey=%q;requiredCapability=%q,`+
			`capability;name=%q;componentKey=%q,`+
			`capability;name=%q;count="%d"`,
			key, capability, graph.ListenerCapability, key, capability, instances)
		mm := &startupv1alpha1.ModuleManifest{
			ObjectMeta: metav1.ObjectMeta{Name: key, Namespace: namespace},
			Spec: startupv1alpha1.ModuleManifestSpec{
				Module:  startupv1alpha1.ModuleIdentity{ID: "org.example.load." + key, Version: "1.0.0"},
				Headers: map[string]string{startupv1alpha1.HeaderStartupComponent: header},
			},
		}
		if err := c.Create(ctx, mm); err != nil {
			fmt.Printf("Error creating manifest %s: %v\n", key, err)
			continue
		}
		fmt.Printf("Declared %s\n", key)
	}
	fmt.Println("Restart the coordinator, then run with -phase=register")
}

func register(c client.Client, namespace string, n, instances int, run int64) {
	fmt.Printf("Starting load test: %d components in namespace %s\n", n, namespace)

	var wg sync.WaitGroup
	start := time.Now()
	latencies := make(chan time.Duration, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := manifestName(id)
			regs := []*startupv1alpha1.CapabilityRegistration{
				registration(namespace, fmt.Sprintf("%s-listener-%d", key, run), graph.ListenerCapability, key,
					map[string]string{graph.AttrComponentKey: key}),
			}
			for j := 0; j < instances; j++ {
				regs = append(regs, registration(namespace, fmt.Sprintf("%s-svc-%d-%d", key, j, run),
					fmt.Sprintf("load.svc.%d", id), key, nil))
			}

			createStart := time.Now()
			for _, reg := range regs {
				if err := c.Create(context.Background(), reg); err != nil {
					fmt.Printf("Error registering %s: %v\n", reg.Name, err)
					return
				}
			}

			// Poll for status
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			for {
				select {
				case <-ctx.Done():
					fmt.Printf("Timeout waiting for component %s\n", key)
					return
				case <-time.After(1 * time.Second):
					var current startupv1alpha1.ModuleManifest
					if err := c.Get(ctx, client.ObjectKey{Name: key, Namespace: namespace}, &current); err != nil {
						continue
					}
					if current.Status.Phase == startupv1alpha1.PhaseReady {
						latency := time.Since(createStart)
						latencies <- latency
						fmt.Printf("Component %s ready in %v\n", key, latency)
						return
					}
				}
			}
		}(i)
	}

	wg.Wait()
	close(latencies)
	totalDuration := time.Since(start)

	var totalLatency time.Duration
	count := 0
	for l := range latencies {
		totalLatency += l
		count++
	}

	if count > 0 {
		avgLatency := totalLatency / time.Duration(count)
		fmt.Printf("Load test completed in %v. Avg readiness latency: %v\n", totalDuration, avgLatency)
	} else {
		fmt.Printf("Load test completed in %v. No components became ready.\n", totalDuration)
	}
}

func registration(namespace, name, capability, manifest string, props map[string]string) *startupv1alpha1.CapabilityRegistration {
	return &startupv1alpha1.CapabilityRegistration{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: startupv1alpha1.CapabilityRegistrationSpec{
			CapabilityName:     capability,
			ModuleManifestName: manifest,
			Properties:         props,
		},
	}
}
