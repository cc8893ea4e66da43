// Package pipeline runs the fixed-cadence detect, fuse, evaluate and publish loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dj-oyu/hawkeye/threat-server/internal/archive"
	"github.com/dj-oyu/hawkeye/threat-server/internal/detector"
	"github.com/dj-oyu/hawkeye/threat-server/internal/engine"
	"github.com/dj-oyu/hawkeye/threat-server/internal/fusion"
	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

var errStale = errors.New("latest frame is stale")

// FrameSource is the camera side of the pipeline.
type FrameSource interface {
	ReadLatest() (*types.Frame, error)
	Connected() bool
}

// Publisher receives the live snapshot after every tick.
type Publisher interface {
	Publish(types.LiveSnapshot) error
}

// Archiver accepts events without blocking.
type Archiver interface {
	Submit(*archive.Request) bool
}

// Config controls the loop cadence.
type Config struct {
	Interval      time.Duration
	FrameSkip     int
	SourceTimeout time.Duration
	StallAfter    time.Duration // a frame older than this counts as missing; 0 disables
}

// Pipeline owns the engine; Serve must run on a single goroutine.
type Pipeline struct {
	cfg     Config
	frames  FrameSource
	sources []detector.Source
	fuser   *fusion.Fuser
	engine  *engine.Engine
	archive Archiver
	pub     Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	tick          uint64
	lastFrameNum  uint64
	lastProcessed time.Time
	modelReady    bool
	models        map[string]string
	snap          types.LiveSnapshot
}

// New creates a pipeline. archive, pub and m may be nil.
func New(cfg Config, frames FrameSource, sources []detector.Source, fuser *fusion.Fuser,
	eng *engine.Engine, arch Archiver, pub Publisher, m *metrics.Metrics) *Pipeline {
	if cfg.Interval <= 0 {
		cfg.Interval = 66 * time.Millisecond
	}
	if cfg.FrameSkip <= 0 {
		cfg.FrameSkip = 1
	}
	p := &Pipeline{
		cfg:     cfg,
		frames:  frames,
		sources: sources,
		fuser:   fuser,
		engine:  eng,
		archive: arch,
		pub:     pub,
		metrics: m,
		now:     time.Now,
		models:  make(map[string]string),
	}
	p.snap = types.LiveSnapshot{
		Threats: []types.ThreatType{},
		Boxes:   []types.Detection{},
		Status:  types.StatusInitializing,
		Debug:   types.DebugInfo{ModelUsed: p.modelUsed()},
	}
	return p
}

// Serve ticks until ctx is cancelled.
func (p *Pipeline) Serve(ctx context.Context) error {
	logger.Info("Pipeline", "Starting (interval=%v, frame_skip=%d, sources=%d)",
		p.cfg.Interval, p.cfg.FrameSkip, len(p.sources))
	p.snap.Timestamp = unixSeconds(p.now())

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.Step(ctx)
		select {
		case <-ctx.Done():
			logger.Info("Pipeline", "Stopped after %d ticks", p.tick)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one tick and publishes the resulting snapshot.
func (p *Pipeline) Step(ctx context.Context) {
	frame, err := p.frames.ReadLatest()
	if err == nil && p.cfg.StallAfter > 0 && p.now().Sub(frame.Timestamp) > p.cfg.StallAfter {
		err = errStale
	}
	if err == nil {
		if p.snap.FrameDims == [2]int{} && frame.HasDims() {
			p.snap.FrameDims = [2]int{frame.Width, frame.Height}
		}
		if p.tick%uint64(p.cfg.FrameSkip) == 0 && frame.FrameNum != p.lastFrameNum {
			p.process(ctx, frame)
		} else if p.metrics != nil {
			p.metrics.FramesSkipped.Add(1)
		}
		p.snap.Status = p.linkedStatus(types.StatusConnected)
	} else {
		p.snap.FPS = 0
		if p.frames.Connected() {
			p.snap.Status = p.linkedStatus(types.StatusUplinkStall)
		} else {
			p.snap.Status = types.StatusOffline
			p.snap.FrameDims = [2]int{}
		}
	}
	p.tick++

	p.snap.Debug.ModelUsed = p.modelUsed()
	if p.pub != nil {
		if err := p.pub.Publish(p.snap); err != nil {
			logger.Error("Pipeline", "Publish failed: %v", err)
		}
	}
}

// linkedStatus is the status to report while the camera link is up.
func (p *Pipeline) linkedStatus(ok types.StreamStatus) types.StreamStatus {
	if !p.modelReady {
		return types.StatusModelSync
	}
	return ok
}

func (p *Pipeline) process(ctx context.Context, frame *types.Frame) {
	start := p.now()
	p.lastFrameNum = frame.FrameNum

	results := detector.DetectAll(ctx, p.sources, frame, p.cfg.SourceTimeout)
	inputs := make([]fusion.Input, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			logger.Debug("Pipeline", "Source %s failed: %v", r.Source, r.Err)
			if p.metrics != nil {
				p.metrics.DetectorError(r.Source)
			}
		} else {
			p.modelReady = true
		}
		inputs = append(inputs, fusion.Input{Source: r.Source, Detections: r.Detections})
	}
	p.refreshModels()

	fused := p.fuser.Fuse(frame.Width, frame.Height, inputs)

	at := frame.Timestamp
	if at.IsZero() {
		at = start
	}
	res := p.engine.Evaluate(fused.Boxes, fused.Persons, fused.Weapons, at)

	logAnalysis(res, frame)

	if res.Event != nil && p.archive != nil {
		p.archive.Submit(&archive.Request{
			Type:          res.Event.Type,
			Timestamp:     res.Event.Timestamp,
			Labels:        res.Event.Labels,
			MaxConfidence: res.Event.MaxConfidence,
			Boxes:         res.Event.Boxes,
			Frame:         frame.Data,
		})
	}

	end := p.now()
	if !p.lastProcessed.IsZero() {
		if dt := end.Sub(p.lastProcessed).Seconds(); dt > 0 {
			p.snap.FPS = math.Round(10/dt) / 10
		}
	}
	p.lastProcessed = end

	p.snap.Timestamp = unixSeconds(end)
	p.snap.Counts = types.Counts{Persons: len(res.Persons), Weapons: len(res.Weapons)}
	p.snap.Threats = res.Threats
	p.snap.Boxes = res.Boxes
	if frame.HasDims() {
		p.snap.FrameDims = [2]int{frame.Width, frame.Height}
	}

	if p.metrics != nil {
		p.metrics.FramesProcessed.Add(1)
		p.metrics.DetectionsFused.Add(uint64(len(fused.Boxes)))
		p.metrics.DetectionsMerged.Add(uint64(fused.Merged))
		p.metrics.DetectionsGated.Add(uint64(fused.Rejected))
		p.metrics.WeaponsSuppressed.Add(uint64(len(res.Suppressed)))
		p.metrics.StaticKeys.Store(int64(p.engine.StaticKeys()))
		p.metrics.ThreatRaised(res.Threats)
		p.metrics.UpdateProcessLatency(end.Sub(start))
	}
}

func logAnalysis(res engine.Result, frame *types.Frame) {
	switch {
	case len(res.Threats) > 0:
		logger.Info("Pipeline", "THREAT ANALYSIS: Detected %d persons and %d weapons.", len(res.Persons), len(res.Weapons))
		logger.Info("Pipeline", "ACTIVE THREATS: %v", res.Threats)
		for _, w := range res.Weapons {
			area := 0.0
			if frame.HasDims() {
				area = w.Area() / frame.Area()
			}
			logger.Debug("Pipeline", "  > [TARGET] %s Area:%.1f%% Conf:%.2f", w.Label, area*100, w.Confidence)
		}
	case len(res.Persons) > 0:
		logger.Debug("Pipeline", "SURVEILLANCE: %d contacts in sector.", len(res.Persons))
	case len(res.Suppressed) > 0:
		logger.Debug("Pipeline", "SUPPRESSION: %d environmental signals filtered (static).", len(res.Suppressed))
	}
}

type modeler interface {
	Model() string
}

func (p *Pipeline) refreshModels() {
	for _, s := range p.sources {
		if m, ok := s.(modeler); ok {
			if name := m.Model(); name != "" {
				p.models[s.Name()] = name
			}
		}
	}
}

// modelUsed renders the model names for the debug block, e.g. "Hybrid (yolov8m + weapons-v2)".
func (p *Pipeline) modelUsed() string {
	if !p.modelReady {
		return "pending"
	}
	names := make([]string, 0, len(p.sources))
	for _, s := range p.sources {
		name := p.models[s.Name()]
		if name == "" {
			name = s.Name()
		}
		names = append(names, name)
	}
	if len(names) == 1 {
		return names[0]
	}
	return fmt.Sprintf("Hybrid (%s)", strings.Join(names, " + "))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
