// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/mbot_sim/internal/collision"
	"github.com/relabs-tech/mbot_sim/internal/config"
	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/lidar"
	"github.com/relabs-tech/mbot_sim/internal/messages"
	"github.com/relabs-tech/mbot_sim/internal/motion"
	"github.com/relabs-tech/mbot_sim/internal/occupancy"
	"github.com/relabs-tech/mbot_sim/internal/recorder"
	"github.com/relabs-tech/mbot_sim/internal/render"
	"github.com/relabs-tech/mbot_sim/internal/timeutil"
	"github.com/relabs-tech/mbot_sim/internal/timing"
)

// pixelsPerMeter is the scale of rendered PNG frames.
const pixelsPerMeter = 50

// Status summarizes a running simulator for the web API.
type Status struct {
	Utime            int64              `json:"utime"`
	Moving           bool               `json:"moving"`
	Trajectory       motion.Stats       `json:"trajectory"`
	Scans            uint64             `json:"scans"`
	CommandsReceived uint64             `json:"commands_received"`
	CommandsDropped  uint64             `json:"commands_dropped"`
	Tasks            []timing.TaskStats `json:"tasks"`
}

// Simulator wires the motion controller, lidar, odometry and renderer to a
// message bus and runs them on one scheduler.
type Simulator struct {
	cfg   *config.Config
	clock timeutil.Clock
	bus   Bus

	world    *occupancy.Map
	ctrl     *motion.Controller
	sensor   *lidar.Sensor
	renderer *render.Renderer
	odometry *OdometryModel
	rec      *recorder.Recorder
	sched    *timing.Scheduler

	commands chan messages.MotorCommand
	frame    atomic.Pointer[render.Frame]
	onFrame  func(*render.Frame)

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewSimulator loads the map and builds every component from cfg. A nil
// clock uses wall time.
func NewSimulator(cfg *config.Config, clock timeutil.Clock, bus Bus) (*Simulator, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	periods, err := cfg.Periods()
	if err != nil {
		return nil, err
	}

	world, err := occupancy.LoadFile(cfg.MapFile)
	if err != nil {
		return nil, err
	}
	log.Printf("sim: loaded %dx%d map %s (%.3f m/cell)", world.Width(), world.Height(), cfg.MapFile, world.MetersPerCell())

	resolver := collision.New(world, cfg.RobotRadius,
		collision.WithSamples(cfg.CollisionSamples),
		collision.WithMaxRetries(cfg.CollisionMaxRetries),
		collision.WithBackoffFraction(cfg.CollisionBackoffFraction),
	)
	start := geometry.NewPose(cfg.StartX, cfg.StartY, cfg.StartTheta)
	if resolver.Collides(start) {
		log.Printf("sim: WARNING start pose %v overlaps an obstacle", start)
	}

	now := timeutil.Utime(clock.Now())
	ctrl, err := motion.NewController(motion.Config{
		MaxTransSpeed:   cfg.MaxTransSpeed,
		MaxAngularSpeed: cfg.MaxAngularSpeed,
		Window:          cfg.TrajectoryWindow(),
		Step:            cfg.TrajectoryStep(),
	}, start, now, resolver)
	if err != nil {
		return nil, err
	}

	seed := cfg.LidarSeed
	if seed == 0 {
		seed = uint64(clock.Now().UnixNano())
	}
	sensor, err := lidar.New(lidar.Config{
		NumRanges:       cfg.LidarNumRanges,
		MaxRange:        cfg.LidarMaxRange,
		ScanPeriod:      periods.Scan,
		Noise:           cfg.LidarNoise,
		RangeStdDev:     cfg.LidarRangeStdDev,
		BeamCountStdDev: cfg.LidarBeamCountStdDev,
		AngleStepStdDev: cfg.LidarAngleStepStdDev,
		Seed:            seed,
	}, world, ctrl)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		cfg:      cfg,
		clock:    clock,
		bus:      bus,
		world:    world,
		ctrl:     ctrl,
		sensor:   sensor,
		odometry: NewOdometryModel(cfg.OdometryTransStdDev, cfg.OdometryRotStdDev, seed+1),
		renderer: render.NewRenderer(pixelsPerMeter,
			render.MapLayer{Map: world},
			render.SensorLayer{Source: sensor},
			render.RobotLayer{Source: ctrl, Radius: cfg.RobotRadius},
		),
		sched:    timing.NewScheduler(clock),
		commands: make(chan messages.MotorCommand, cfg.CommandQueueSize),
	}

	tasks := []timing.Task{
		{Name: "ingest", Period: periods.Ingest, Run: s.ingest},
		{Name: "scan", Period: periods.Scan, Run: s.scan},
		{Name: "render", Period: periods.Render, Run: s.step},
		{Name: "timesync", Period: periods.Timesync, Run: s.timesync},
	}
	for _, t := range tasks {
		if err := s.sched.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AttachRecorder logs every published odometry and scan message to rec.
// It must be called before Run.
func (s *Simulator) AttachRecorder(rec *recorder.Recorder) { s.rec = rec }

// OnFrame registers a callback for every rendered frame. It must be called
// before Run.
func (s *Simulator) OnFrame(f func(*render.Frame)) { s.onFrame = f }

// Run subscribes to motor commands and drives the periodic tasks until ctx
// is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.bus.Subscribe(s.cfg.TopicMotorCommand, s.receive); err != nil {
		return err
	}
	log.Printf("sim: running (ingest/scan/render/timesync)")
	return s.sched.Run(ctx)
}

// receive runs on the transport's goroutine and must not block.
func (s *Simulator) receive(payload []byte) {
	m, err := messages.DecodeMotorCommand(payload)
	if err != nil {
		log.Printf("sim: %v", err)
		return
	}
	s.Submit(m)
}

// Submit queues a command for the next ingest cycle. When
// COMMAND_USE_SIM_TIME is set the command is stamped with the receive time.
func (s *Simulator) Submit(m messages.MotorCommand) {
	if s.cfg.CommandUseSimTime {
		m.Timestamp = timeutil.Utime(s.clock.Now())
	}
	s.received.Add(1)
	select {
	case s.commands <- m:
	default:
		s.dropped.Add(1)
		log.Printf("sim: command queue full, dropping command at %d", m.Timestamp)
	}
}

func (s *Simulator) ingest(ctx context.Context, _ time.Time) error {
	for {
		select {
		case m := <-s.commands:
			s.ctrl.AddCommand(m.Command())
		default:
			return nil
		}
	}
}

func (s *Simulator) scan(ctx context.Context, now time.Time) error {
	scan, err := s.sensor.Scan(timeutil.Utime(now))
	if err != nil {
		log.Printf("lidar: scan failed: %v", err)
		return nil
	}
	msg := messages.NewLidar(scan)
	if err := s.bus.Publish(s.cfg.TopicLidar, msg); err != nil {
		log.Printf("lidar: %v", err)
	}
	if s.rec != nil {
		if err := s.rec.RecordScan(ctx, scan.Utime, msg); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("lidar: %v", err)
		}
	}
	return nil
}

// step advances the displayed pose, trims history, publishes odometry and
// renders a frame.
func (s *Simulator) step(ctx context.Context, now time.Time) error {
	utime := timeutil.Utime(now)
	st, err := s.ctrl.StateAtOrOldest(utime)
	if err != nil {
		log.Printf("sim: pose at %d: %v", utime, err)
		return nil
	}
	s.ctrl.Tick(utime)

	odo := s.odometry.Update(utime, st.Pose)
	if err := s.bus.Publish(s.cfg.TopicOdometry, odo); err != nil {
		log.Printf("sim: %v", err)
	}
	if s.rec != nil {
		if err := s.rec.RecordOdometry(ctx, odo); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sim: %v", err)
		}
	}

	frame, err := s.renderer.Frame(utime)
	if err != nil {
		log.Printf("sim: render: %v", err)
		return nil
	}
	s.frame.Store(frame)
	if s.onFrame != nil {
		s.onFrame(frame)
	}
	return nil
}

func (s *Simulator) timesync(_ context.Context, now time.Time) error {
	if err := s.bus.Publish(s.cfg.TopicTimesync, messages.Timestamp{Timestamp: timeutil.Utime(now)}); err != nil {
		log.Printf("sim: %v", err)
	}
	return nil
}

// Frame returns the most recently rendered frame, or nil before the first.
func (s *Simulator) Frame() *render.Frame { return s.frame.Load() }

// Renderer returns the frame renderer.
func (s *Simulator) Renderer() *render.Renderer { return s.renderer }

// LatestScan returns the most recent completed scan, or nil.
func (s *Simulator) LatestScan() *lidar.Scan { return s.sensor.Latest() }

// Pose returns the robot state at the current clock time.
func (s *Simulator) Pose() (geometry.State, error) {
	return s.ctrl.StateAtOrOldest(timeutil.Utime(s.clock.Now()))
}

// Status reports counters for the web API.
func (s *Simulator) Status() Status {
	return Status{
		Utime:            timeutil.Utime(s.clock.Now()),
		Moving:           s.ctrl.Moving(),
		Trajectory:       s.ctrl.Stats(),
		Scans:            s.sensor.Count(),
		CommandsReceived: s.received.Load(),
		CommandsDropped:  s.dropped.Load(),
		Tasks:            s.sched.Stats(),
	}
}

// RunSimulator is the entry point of cmd/simulator: it connects to the
// broker, optionally starts the recorder and web server, and runs until ctx
// is cancelled.
func RunSimulator(ctx context.Context, cfg *config.Config) error {
	bus, err := NewMQTTBus(cfg.MQTTBroker, cfg.MQTTClientIDSim)
	if err != nil {
		return err
	}
	defer bus.Close()

	sim, err := NewSimulator(cfg, nil, bus)
	if err != nil {
		return fmt.Errorf("build simulator: %w", err)
	}

	if cfg.RecordDBPath != "" {
		rec, err := recorder.Open(ctx, cfg.RecordDBPath, cfg.MapFile)
		if err != nil {
			return err
		}
		defer rec.Close()
		sim.AttachRecorder(rec)
		log.Printf("sim: recording run %s to %s", rec.RunID(), cfg.RecordDBPath)
	}

	if cfg.WebServerPort > 0 {
		web := NewWebServer(sim, cfg.WebRoot)
		sim.OnFrame(web.Broadcast)
		go func() {
			if err := web.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.WebServerPort)); err != nil {
				log.Printf("web: %v", err)
			}
		}()
	}

	return sim.Run(ctx)
}
