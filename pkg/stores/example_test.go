package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/stores"
)

// ExampleOpen demonstrates recording a run and its checkpoints.
func ExampleOpen() {
	ctx := context.Background()

	store, err := stores.Open(ctx, stores.Config{DSN: ":memory:"})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	err = store.CreateRun(ctx, &engine.RunRecord{
		ID:        "run-42",
		Request:   engine.RunRequest{Targets: []string{"ceph"}},
		Status:    engine.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		log.Fatalf("Failed to create run: %v", err)
	}

	pr := &engine.PhaseRun{ComponentID: "ceph", Phase: engine.PhasePreInstall, State: engine.PhaseStateSucceeded, Attempts: 1}
	if err := store.AppendCheckpoint(ctx, engine.NewCheckpoint("run-42", pr, now)); err != nil {
		log.Fatalf("Failed to append checkpoint: %v", err)
	}

	cps, err := store.LoadCheckpoints(ctx, "run-42")
	if err != nil {
		log.Fatalf("Failed to load checkpoints: %v", err)
	}
	for _, cp := range cps {
		fmt.Printf("%s/%s %s\n", cp.ComponentID, cp.Phase, cp.State)
	}

	// Output:
	// ceph/pre_install succeeded
}
