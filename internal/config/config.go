// Package config loads the server configuration from defaults, an optional
// YAML file and HAWKEYE_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/dj-oyu/hawkeye/threat-server/internal/engine"
	"github.com/dj-oyu/hawkeye/threat-server/internal/fusion"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// EnvPrefix is the prefix of environment overrides, e.g. HAWKEYE_CAMERA_URL.
const EnvPrefix = "HAWKEYE_"

// Config is the complete server configuration
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Camera   CameraConfig   `koanf:"camera"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Sources  []SourceConfig `koanf:"sources" validate:"required,min=1,dive"`
	Engine   EngineConfig   `koanf:"engine"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr             string        `koanf:"addr" validate:"required"`
	CORSOrigins      []string      `koanf:"cors_origins"`
	MJPEGInterval    time.Duration `koanf:"mjpeg_interval" validate:"gt=0"`
	STUNServers      []string      `koanf:"stun_servers"`
	MaxWebRTCClients int           `koanf:"max_webrtc_clients" validate:"min=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	PprofAddr        string        `koanf:"pprof_addr"` // empty disables pprof
}

// CameraConfig configures the MJPEG camera reader
type CameraConfig struct {
	URL            string        `koanf:"url" validate:"required,url"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	StallAfter     time.Duration `koanf:"stall_after" validate:"gt=0"`
}

// PipelineConfig configures the processing cadence
type PipelineConfig struct {
	Interval      time.Duration `koanf:"interval" validate:"gt=0"`
	FrameSkip     int           `koanf:"frame_skip" validate:"min=1"`
	SourceTimeout time.Duration `koanf:"source_timeout" validate:"gt=0"`
}

// SourceConfig declares one detector service. The first source is primary.
type SourceConfig struct {
	Name          string   `koanf:"name" validate:"required"`
	Tag           string   `koanf:"tag"`
	URL           string   `koanf:"url" validate:"required,url"`
	PersonClasses []int    `koanf:"person_classes"`
	WeaponClasses []int    `koanf:"weapon_classes"`
	ClassNames    []string `koanf:"class_names"` // indexed by class id, classified by keyword
}

// EngineConfig holds fusion and inference tunables
type EngineConfig struct {
	PersonConfidence      float64       `koanf:"person_confidence" validate:"gte=0,lte=1"`
	WeaponConfidence      float64       `koanf:"weapon_confidence" validate:"gte=0,lte=1"`
	ArchiveConfidence     float64       `koanf:"archive_confidence" validate:"gte=0,lte=1,gtefield=WeaponConfidence"`
	WeaponMaxAreaFraction float64       `koanf:"weapon_max_area_fraction" validate:"gt=0,lte=1"`
	IoUThreshold          float64       `koanf:"iou_threshold" validate:"gt=0,lt=1"`
	PersistenceWindow     int           `koanf:"persistence_window" validate:"min=1"`
	PersistenceQuorum     int           `koanf:"persistence_quorum" validate:"min=1,ltefield=PersistenceWindow"`
	StaticFrames          int           `koanf:"static_frames" validate:"min=1"`
	StaticGrid            float64       `koanf:"static_grid" validate:"gt=0"`
	AssociationMargin     float64       `koanf:"association_margin" validate:"gte=0"`
	GroupMinSize          int           `koanf:"group_min_size" validate:"min=1"`
	GroupRadius           float64       `koanf:"group_radius" validate:"gt=0"`
	GroupSustain          time.Duration `koanf:"group_sustain" validate:"gte=0"`
	Cooldown              time.Duration `koanf:"cooldown" validate:"gte=0"`
}

// ArchiveConfig configures event persistence
type ArchiveConfig struct {
	DBPath          string        `koanf:"db_path" validate:"required"`
	ImageDir        string        `koanf:"image_dir" validate:"required"`
	MaxEvents       int           `koanf:"max_events" validate:"min=1"`
	QueueSize       int           `koanf:"queue_size" validate:"min=1"`
	JPEGQuality     int           `koanf:"jpeg_quality" validate:"min=1,max=100"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn warning error silent none"`
	Color bool   `koanf:"color"`
}

// Default returns the configuration of the reference deployment
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8000",
			CORSOrigins:      []string{"*"},
			MJPEGInterval:    66 * time.Millisecond,
			STUNServers:      []string{"stun:stun.l.google.com:19302"},
			MaxWebRTCClients: 4,
			ShutdownTimeout:  5 * time.Second,
		},
		Camera: CameraConfig{
			URL:            "http://172.20.10.3:81/stream",
			ReconnectDelay: 3 * time.Second,
			StallAfter:     2 * time.Second,
		},
		Pipeline: PipelineConfig{
			Interval:      66 * time.Millisecond,
			FrameSkip:     2,
			SourceTimeout: 2 * time.Second,
		},
		Sources: []SourceConfig{
			{
				Name:       "spec",
				Tag:        "spec",
				URL:        "http://127.0.0.1:9001/detect",
				ClassNames: []string{"pistol", "knife", "rifle", "person"},
			},
			{
				Name:          "gen",
				Tag:           "gen",
				URL:           "http://127.0.0.1:9002/detect",
				PersonClasses: []int{0},
				WeaponClasses: []int{34, 43},
			},
		},
		Engine: EngineConfig{
			PersonConfidence:      0.20,
			WeaponConfidence:      0.40,
			ArchiveConfidence:     0.70,
			WeaponMaxAreaFraction: 0.25,
			IoUThreshold:          fusion.DefaultIoUThreshold,
			PersistenceWindow:     5,
			PersistenceQuorum:     2,
			StaticFrames:          50,
			StaticGrid:            10,
			AssociationMargin:     80,
			GroupMinSize:          4,
			GroupRadius:           120,
			GroupSustain:          2 * time.Second,
			Cooldown:              3 * time.Second,
		},
		Archive: ArchiveConfig{
			DBPath:          "data/events.db",
			ImageDir:        "data/events",
			MaxEvents:       100,
			QueueSize:       8,
			JPEGQuality:     85,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	for _, p := range []string{"server.cors_origins", "server.stun_servers"} {
		if err := splitCSV(k, p); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

var sections = map[string]bool{
	"server": true, "camera": true, "pipeline": true,
	"engine": true, "archive": true, "log": true,
}

// envTransform maps HAWKEYE_ENGINE_GROUP_MIN_SIZE to engine.group_min_size.
// Unknown sections are ignored.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok || !sections[section] || rest == "" {
		return ""
	}
	return section + "." + rest
}

// splitCSV turns a comma separated env value into a string slice.
func splitCSV(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if err := k.Set(path, parts); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// FusionConfig returns the fusion thresholds
func (c *Config) FusionConfig() fusion.Config {
	return fusion.Config{
		PersonConfidence:      c.Engine.PersonConfidence,
		WeaponConfidence:      c.Engine.WeaponConfidence,
		WeaponMaxAreaFraction: c.Engine.WeaponMaxAreaFraction,
		IoUThreshold:          c.Engine.IoUThreshold,
	}
}

// FusionSources resolves each source's class map
func (c *Config) FusionSources() []fusion.Source {
	out := make([]fusion.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		names := make(map[int]string, len(s.ClassNames))
		for id, n := range s.ClassNames {
			names[id] = n
		}
		explicit := make(map[int]types.Category, len(s.PersonClasses)+len(s.WeaponClasses))
		for _, id := range s.PersonClasses {
			explicit[id] = types.CategoryPerson
		}
		for _, id := range s.WeaponClasses {
			explicit[id] = types.CategoryWeapon
		}
		out = append(out, fusion.Source{
			Name:       s.Name,
			Tag:        s.Tag,
			Categories: fusion.ResolveCategories(names, explicit, fusion.DefaultLexicon),
		})
	}
	return out
}

// EngineConfig returns the inference tunables
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		WeaponConfidence:  e.WeaponConfidence,
		ArchiveConfidence: e.ArchiveConfidence,
		PersistenceWindow: e.PersistenceWindow,
		PersistenceQuorum: e.PersistenceQuorum,
		StaticFrames:      e.StaticFrames,
		StaticGrid:        e.StaticGrid,
		AssociationMargin: e.AssociationMargin,
		GroupMinSize:      e.GroupMinSize,
		GroupRadius:       e.GroupRadius,
		GroupSustain:      e.GroupSustain,
		Cooldown:          e.Cooldown,
	}
}
