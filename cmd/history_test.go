package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"caravel/internal/pipeline"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "0123456789ab", truncate("0123456789abcdef0123456789abcdef01234567", 12))
	assert.Equal(t, "a1b2c3d4", truncate("a1b2c3d4-e5f6-7890-abcd-ef1234567890", 8))

	// Values shorter than the column width pass through untouched.
	assert.Equal(t, "run-1", truncate("run-1", 8))
	assert.Equal(t, "", truncate("", 8))
}

func TestImageBuilt(t *testing.T) {
	run := pipeline.NewRun("main")
	assert.False(t, imageBuilt(run))

	run.State = pipeline.StatePublished
	assert.True(t, imageBuilt(run))

	failed := pipeline.NewRun("main")
	failed.Fail("publish", assert.AnError)
	assert.True(t, imageBuilt(failed))

	earlier := pipeline.NewRun("main")
	earlier.Fail("imagebuild", assert.AnError)
	assert.False(t, imageBuilt(earlier))
}
