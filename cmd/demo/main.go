// Command demo runs one replica of a leader-election-guarded workload,
// wiring the Lease backend against whatever kubeconfig is ambient in the
// environment. Run several copies to watch them compete for leadership.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"k8s.io/client-go/kubernetes"

	leaderelection "github.com/cshep4/k8s-leaderelection"
	"github.com/cshep4/k8s-leaderelection/resilience"
	"github.com/cshep4/k8s-leaderelection/resourcelock"
)

func main() {
	var (
		namespace = flag.String("namespace", "default", "namespace holding the lock resource")
		name      = flag.String("name", "leaderelection-demo", "name of the lock resource")
		identity  = flag.String("identity", "", "this replica's identity; defaults to hostname+uuid")
	)
	flag.Parse()

	id := *identity
	if id == "" {
		id = leaderelection.DefaultIdentity()
	}

	log.Printf("[%s] starting leader election demo, lock=%s/%s", id, *namespace, *name)

	cfg, err := ctrl.GetConfig()
	if err != nil {
		log.Fatalf("[%s] failed to get kubernetes config: %v", id, err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		log.Fatalf("[%s] failed to build kubernetes client: %v", id, err)
	}

	lock := resourcelock.NewLease(*namespace, *name, id, clientset)

	breaker, err := resilience.New(lock, 3, 5*time.Second, 1, 1)
	if err != nil {
		log.Fatalf("[%s] failed to build circuit breaker: %v", id, err)
	}

	elector, err := leaderelection.NewBuilder(breaker).
		OnStartedLeading(func() {
			log.Printf("[%s] became leader", id)
		}).
		OnStoppedLeading(func() {
			log.Printf("[%s] stopped leading", id)
		}).
		OnNewLeader(func(leader string) {
			log.Printf("[%s] observed new leader: %s", id, leader)
		}).
		Build()
	if err != nil {
		log.Fatalf("[%s] failed to build elector: %v", id, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := "follower"
				if elector.IsLeader() {
					status = "leader"
				}
				log.Printf("[%s] status: %s", id, status)
			}
		}
	}()

	if err := elector.Run(ctx); err != nil {
		log.Printf("[%s] run exited: %v", id, err)
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	elector.Release(releaseCtx)

	log.Printf("[%s] shutdown complete", id)
}
