package engine_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"annotask/internal/domain"
	"annotask/internal/engine"
)

func TestConcurrentClaimBundleLeavesOneActiveBundle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		for i := 0; i < 20; i++ {
			seedTask(t, env, taskSpec{id: fmt.Sprintf("t%02d", i), created: time.Duration(i) * time.Minute})
		}
		c := contributor("c1")

		const workers = 6
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.Engine.ClaimBundle(env.Ctx, c, 2)
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("worker %d: %v", i, err)
			}
		}

		active, err := env.Repo.ListBundlesByState(env.Ctx, domain.BundleActive, 100)
		if err != nil {
			t.Fatalf("list bundles: %v", err)
		}
		var mine int
		for _, b := range active {
			if b.ContributorID == c.ID {
				mine++
			}
		}
		if mine != 1 {
			t.Fatalf("expected exactly one active bundle, got %d", mine)
		}

		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			rows, err := env.Repo.ListAssignmentsByTask(env.Ctx, fmt.Sprintf("t%02d", i))
			if err != nil {
				t.Fatalf("list assignments: %v", err)
			}
			for _, a := range rows {
				if seen[a.TaskID+"/"+a.ContributorID] {
					t.Fatalf("duplicate assignment for %s", a.TaskID)
				}
				seen[a.TaskID+"/"+a.ContributorID] = true
			}
		}
	})
}

func TestConcurrentClaimantsNeverOverfillTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		seedTask(t, env, taskSpec{id: "t1", taskType: domain.TaskTypeEmotionTag, target: 2})

		const claimants = 8
		var wg sync.WaitGroup
		errs := make([]error, claimants)
		for i := 0; i < claimants; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.Engine.ClaimSingleTask(env.Ctx, contributor(fmt.Sprintf("c%d", i)), engine.ClaimOptions{})
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("claimant %d: %v", i, err)
			}
		}
		if n := leasedCount(t, env, "t1"); n > 2 {
			t.Fatalf("task overfilled: %d live leases for target 2", n)
		}

		// racers that all yielded leave the slots open for the next claimants
		for i := 0; i < 4; i++ {
			claim(t, env, contributor(fmt.Sprintf("late%d", i)))
		}
		if n := leasedCount(t, env, "t1"); n != 2 {
			t.Fatalf("expected 2 live leases, got %d", n)
		}
	})
}

func leasedCount(t *testing.T, env testEnv, taskID string) int {
	t.Helper()
	rows, err := env.Repo.ListAssignmentsByTask(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	n := 0
	for _, a := range rows {
		if a.State == domain.AssignmentLeased && a.LeaseExpiresAt.After(env.Clock.now) {
			n++
		}
	}
	return n
}
