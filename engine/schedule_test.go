package engine

import (
	"errors"
	"flag"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/jvastola/Theta/ecs"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestSchedulerRunsStagesInOrder(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, nil)

	order := []string{}
	record := func(name string) SystemFunc {
		return func(world *ecs.World, deltaSeconds float32) error {
			order = append(order, name)
			return nil
		}
	}
	scheduler.AddSystem(StageEditor, "editor_a", ReadWrite, record("editor_a"))
	scheduler.AddSystem(StageStartup, "startup_a", ReadWrite, record("startup_a"))
	scheduler.AddSystem(StageSimulation, "sim_a", ReadWrite, record("sim_a"))
	scheduler.AddSystem(StageSimulation, "sim_b", ReadWrite, record("sim_b"))
	scheduler.AddSystem(StageRender, "render_a", ReadWrite, record("render_a"))

	profile := scheduler.Tick(1.0 / 60)
	assert.Equal(t, order, []string{"startup_a", "sim_a", "sim_b", "render_a", "editor_a"})
	assert.Equal(t, profile.Frame, uint64(1))
	assert.Equal(t, len(profile.Stages), 4)
}

func TestSchedulerRunsReadOnlySystemsOnPool(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, &SchedulerSettings{WorkerCount: 2})

	ran := int64(0)
	for i := 0; i < 8; i += 1 {
		scheduler.AddSystem(StageRender, "observer", ReadOnly, func(world *ecs.World, deltaSeconds float32) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}

	profile := scheduler.Tick(1.0 / 60)
	assert.Equal(t, atomic.LoadInt64(&ran), int64(8))
	assert.Equal(t, profile.Stage(StageRender).ReadOnlyViolation, false)
}

func TestSchedulerDetectsReadOnlyViolation(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, &SchedulerSettings{WorkerCount: 1})

	scheduler.AddSystem(StageSimulation, "rogue_writer", ReadOnly, func(world *ecs.World, deltaSeconds float32) error {
		world.Spawn()
		return nil
	})

	profile := scheduler.Tick(1.0 / 60)
	stageProfile := profile.Stage(StageSimulation)
	assert.Equal(t, stageProfile.ReadOnlyViolation, true)
	assert.Equal(t, stageProfile.ViolationCount, uint32(1))
	assert.Equal(t, stageProfile.LastViolatingSystem, "rogue_writer")

	// violations accumulate across ticks
	profile = scheduler.Tick(1.0 / 60)
	assert.Equal(t, profile.Stage(StageSimulation).ViolationCount, uint32(2))
}

func TestSchedulerPhaseSnapshotCatchesConcurrentMutation(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, &SchedulerSettings{WorkerCount: 4})

	// one writer among overlapping read-only systems: the phase-level
	// version snapshot must flag the violation regardless of which
	// system's window observed the mutation
	scheduler.AddSystem(StageSimulation, "rogue_writer", ReadOnly, func(world *ecs.World, deltaSeconds float32) error {
		world.Spawn()
		return nil
	})
	for _, name := range []string{"reader_a", "reader_b", "reader_c"} {
		scheduler.AddSystem(StageSimulation, name, ReadOnly, func(world *ecs.World, deltaSeconds float32) error {
			world.EntityCount()
			return nil
		})
	}

	profile := scheduler.Tick(1.0 / 60)
	stageProfile := profile.Stage(StageSimulation)
	assert.Equal(t, stageProfile.ReadOnlyViolation, true)
	assert.NotEqual(t, stageProfile.ViolationCount, uint32(0))
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, &SchedulerSettings{WorkerCount: 2})

	survived := false
	lock := sync.Mutex{}
	scheduler.AddSystem(StageRender, "panicker", ReadOnly, func(world *ecs.World, deltaSeconds float32) error {
		panic("boom")
	})
	scheduler.AddSystem(StageRender, "survivor", ReadOnly, func(world *ecs.World, deltaSeconds float32) error {
		lock.Lock()
		survived = true
		lock.Unlock()
		return nil
	})

	profile := scheduler.Tick(1.0 / 60)
	assert.Equal(t, survived, true)
	assert.Equal(t, profile.Stage(StageRender).PanicCount, uint32(1))
}

func TestSchedulerSequentialErrorDoesNotAbortStage(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, nil)

	ran := false
	scheduler.AddSystem(StageSimulation, "failing", ReadWrite, func(world *ecs.World, deltaSeconds float32) error {
		return errors.New("system failure")
	})
	scheduler.AddSystem(StageSimulation, "following", ReadWrite, func(world *ecs.World, deltaSeconds float32) error {
		ran = true
		return nil
	})

	scheduler.Tick(1.0 / 60)
	assert.Equal(t, ran, true)
}

func TestSchedulerRollingAverageSeedsFromFirstSample(t *testing.T) {
	world := ecs.NewWorld()
	scheduler := NewScheduler(world, nil)
	scheduler.AddSystem(StageSimulation, "noop", ReadWrite, func(world *ecs.World, deltaSeconds float32) error {
		return nil
	})

	profile := scheduler.Tick(1.0 / 60)
	stageProfile := profile.Stage(StageSimulation)
	assert.Equal(t, stageProfile.RollingMs, stageProfile.TotalMs)
	assert.Equal(t, scheduler.LastProfile(), profile)
}
