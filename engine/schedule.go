package engine

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jvastola/Theta/ecs"
)

// Stage is one of the four fixed scheduler phases, executed in order every
// tick.
type Stage int

const (
	StageStartup Stage = iota
	StageSimulation
	StageRender
	StageEditor

	stageCount = 4
)

func (self Stage) String() string {
	switch self {
	case StageStartup:
		return "startup"
	case StageSimulation:
		return "simulation"
	case StageRender:
		return "render"
	case StageEditor:
		return "editor"
	default:
		return "unknown"
	}
}

// Stages returns the fixed execution order.
func Stages() [stageCount]Stage {
	return [stageCount]Stage{StageStartup, StageSimulation, StageRender, StageEditor}
}

// AccessMode declares how a system touches the world. ReadWrite systems
// run sequentially in registration order; ReadOnly systems run in parallel
// after the sequential portion of their stage.
type AccessMode int

const (
	ReadWrite AccessMode = iota
	ReadOnly
)

// SystemFunc is one registered system. Returning an error logs it; the
// rest of the stage still runs.
type SystemFunc func(world *ecs.World, deltaSeconds float32) error

type systemEntry struct {
	name string
	run  SystemFunc
}

// StageProfile is the per-stage slice of a frame profile.
type StageProfile struct {
	Stage               string  `json:"stage"`
	SequentialMs        float32 `json:"sequential_ms"`
	ParallelMs          float32 `json:"parallel_ms"`
	TotalMs             float32 `json:"total_ms"`
	RollingMs           float32 `json:"rolling_ms"`
	ReadOnlyViolation   bool    `json:"read_only_violation"`
	ViolationCount      uint32  `json:"violation_count"`
	LastViolatingSystem string  `json:"last_violating_system,omitempty"`
	PanicCount          uint32  `json:"panic_count"`
}

// FrameProfile is published once per tick.
type FrameProfile struct {
	Frame  uint64         `json:"frame"`
	Stages []StageProfile `json:"stages"`
}

// Stage returns the profile slice for one stage.
func (self *FrameProfile) Stage(stage Stage) *StageProfile {
	index := int(stage)
	if index < 0 || len(self.Stages) <= index {
		return nil
	}
	return &self.Stages[index]
}

// SchedulerSettings tunes execution and profiling.
type SchedulerSettings struct {
	// WorkerCount bounds the parallel pool for ReadOnly systems.
	WorkerCount int
	// SlowSystemThreshold triggers a warning for sequential systems.
	SlowSystemThreshold time.Duration
	// ProfileAlpha is the rolling average weight for new samples.
	ProfileAlpha float32
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		WorkerCount:         4,
		SlowSystemThreshold: 8 * time.Millisecond,
		ProfileAlpha:        0.2,
	}
}

type stageBucket struct {
	stage      Stage
	sequential []*systemEntry
	parallel   []*systemEntry

	rollingMs      float32
	profiled       bool
	violationCount uint32
	lastViolator   string
	panicCount     uint32
}

// Scheduler runs registered systems over a world in fixed stage order. The
// frame loop owns it; only the ReadOnly pool runs concurrently, and those
// systems must not mutate the world.
type Scheduler struct {
	settings *SchedulerSettings
	world    *ecs.World
	buckets  [stageCount]*stageBucket
	frame    uint64

	// parallel workers report violations and panics under this lock
	reportLock sync.Mutex

	lastProfile *FrameProfile
}

func NewScheduler(world *ecs.World, settings *SchedulerSettings) *Scheduler {
	if settings == nil {
		settings = DefaultSchedulerSettings()
	}
	if settings.WorkerCount < 1 {
		settings.WorkerCount = 1
	}
	if settings.ProfileAlpha <= 0 || 1 < settings.ProfileAlpha {
		settings.ProfileAlpha = 0.2
	}
	scheduler := &Scheduler{
		settings: settings,
		world:    world,
	}
	for _, stage := range Stages() {
		scheduler.buckets[stage] = &stageBucket{stage: stage}
	}
	return scheduler
}

func (self *Scheduler) World() *ecs.World {
	return self.world
}

// AddSystem registers a system. Registration order is execution order for
// ReadWrite systems within a stage.
func (self *Scheduler) AddSystem(stage Stage, name string, access AccessMode, run SystemFunc) {
	entry := &systemEntry{
		name: name,
		run:  run,
	}
	bucket := self.buckets[stage]
	switch access {
	case ReadWrite:
		bucket.sequential = append(bucket.sequential, entry)
	case ReadOnly:
		bucket.parallel = append(bucket.parallel, entry)
	}
}

// Tick runs every stage once and returns the frame profile.
func (self *Scheduler) Tick(deltaSeconds float32) *FrameProfile {
	self.frame += 1
	profile := &FrameProfile{
		Frame:  self.frame,
		Stages: make([]StageProfile, stageCount),
	}

	for _, stage := range Stages() {
		bucket := self.buckets[stage]

		sequentialStart := time.Now()
		for _, entry := range bucket.sequential {
			systemStart := time.Now()
			if err := entry.run(self.world, deltaSeconds); err != nil {
				glog.Infof("[sched]%s system %s failed: %s\n", stage, entry.name, err)
			}
			if self.settings.SlowSystemThreshold < time.Since(systemStart) {
				glog.Infof("[sched]%s system %s slow: %.2fms\n", stage, entry.name, float64(time.Since(systemStart).Microseconds())/1000)
			}
		}
		sequentialMs := float32(time.Since(sequentialStart).Microseconds()) / 1000

		parallelStart := time.Now()
		violated := self.runParallel(bucket, deltaSeconds)
		parallelMs := float32(time.Since(parallelStart).Microseconds()) / 1000

		totalMs := sequentialMs + parallelMs
		if bucket.profiled {
			alpha := self.settings.ProfileAlpha
			bucket.rollingMs = bucket.rollingMs*(1-alpha) + totalMs*alpha
		} else {
			bucket.rollingMs = totalMs
			bucket.profiled = true
		}

		profile.Stages[stage] = StageProfile{
			Stage:               stage.String(),
			SequentialMs:        sequentialMs,
			ParallelMs:          parallelMs,
			TotalMs:             totalMs,
			RollingMs:           bucket.rollingMs,
			ReadOnlyViolation:   violated,
			ViolationCount:      bucket.violationCount,
			LastViolatingSystem: bucket.lastViolator,
			PanicCount:          bucket.panicCount,
		}
	}

	self.lastProfile = profile
	return profile
}

// runParallel executes the stage's ReadOnly systems on the worker pool.
// A system that mutates the world is recorded as a read-only violation but
// does not abort the frame; a panicking system is caught per worker and
// the stage still completes. The authoritative violation check is the
// version snapshot around the whole phase, taken while no worker runs; the
// per-system comparison only attributes a likely offender and can blame a
// concurrent innocent when several systems overlap a mutation.
func (self *Scheduler) runParallel(bucket *stageBucket, deltaSeconds float32) bool {
	if len(bucket.parallel) == 0 {
		return false
	}

	workerCount := self.settings.WorkerCount
	if len(bucket.parallel) < workerCount {
		workerCount = len(bucket.parallel)
	}

	jobs := make(chan *systemEntry, len(bucket.parallel))
	for _, entry := range bucket.parallel {
		jobs <- entry
	}
	close(jobs)

	phaseVersion := self.world.Version()
	attributed := 0
	waitGroup := sync.WaitGroup{}
	for i := 0; i < workerCount; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for entry := range jobs {
				versionBefore := self.world.Version()
				self.runGuarded(bucket, entry, deltaSeconds)
				if versionBefore != self.world.Version() {
					self.reportLock.Lock()
					attributed += 1
					bucket.violationCount += 1
					bucket.lastViolator = entry.name
					self.reportLock.Unlock()
					glog.Infof("[sched]%s read-only system %s mutated the world\n", bucket.stage, entry.name)
				}
			}
		}()
	}
	waitGroup.Wait()

	violated := phaseVersion != self.world.Version()
	if violated && attributed == 0 {
		// the mutation fell between per-system windows
		bucket.violationCount += 1
		glog.Infof("[sched]%s read-only phase mutated the world (offender unattributed)\n", bucket.stage)
	}
	return violated
}

func (self *Scheduler) runGuarded(bucket *stageBucket, entry *systemEntry, deltaSeconds float32) {
	defer func() {
		if recovered := recover(); recovered != nil {
			self.reportLock.Lock()
			bucket.panicCount += 1
			self.reportLock.Unlock()
			glog.Infof("[sched]%s system %s panicked: %v\n", bucket.stage, entry.name, recovered)
		}
	}()
	if err := entry.run(self.world, deltaSeconds); err != nil {
		glog.Infof("[sched]%s system %s failed: %s\n", bucket.stage, entry.name, err)
	}
}

// LastProfile returns the most recent tick's profile.
func (self *Scheduler) LastProfile() *FrameProfile {
	return self.lastProfile
}
