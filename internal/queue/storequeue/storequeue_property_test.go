package storequeue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/queue/storequeue"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
)

// TestClaimNeverDuplicatesPendingProjectFilenameProperty checks the queue
// invariant that at most one row per (project_key, filename) is ever
// returned from Claim as pending, regardless of how many duplicate rows
// were enqueued for that pair.
func TestClaimNeverDuplicatesPendingProjectFilenameProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("claim returns at most one row per (project,filename)", prop.ForAll(
		func(projectCount, filenameCount, duplicatesPerPair int) bool {
			backend, err := fsstore.New(t.TempDir())
			if err != nil {
				return false
			}
			q := storequeue.New(backend, clock.NewFake(time.Unix(1_700_000_000, 0)))
			ctx := context.Background()

			for p := 0; p < projectCount; p++ {
				for f := 0; f < filenameCount; f++ {
					for d := 0; d < duplicatesPerPair; d++ {
						project := fmt.Sprintf("project-%d", p)
						filename := fmt.Sprintf("issue_%d.md", f)
						if _, err := q.Enqueue(ctx, project, "/ws", filename, "body"); err != nil {
							return false
						}
					}
				}
			}

			claimed, err := q.Claim(ctx, 1000, "worker-1")
			if err != nil {
				return false
			}

			seen := map[string]bool{}
			for _, task := range claimed {
				key := task.ProjectKey + "|" + task.Filename
				if seen[key] {
					return false
				}
				seen[key] = true
				if task.Status != nexus.TaskProcessing {
					return false
				}
			}
			return len(seen) == projectCount*filenameCount
		},
		gen.IntRange(1, 3),
		gen.IntRange(1, 3),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
