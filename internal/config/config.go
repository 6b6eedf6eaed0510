// Package config loads the YAML-encoded tunables for an aipstackd host
// process, mirroring the tcp.Config defaults but keeping them editable
// without a rebuild. Modeled on the teacher's site config convention
// (cmd/ccapp/site_config.go): a single file, read once at startup, with
// the same defensive file-stat checks before parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/tinyrange/aipstack/internal/tcp"
	"gopkg.in/yaml.v3"
)

// Filename is the default config file name, looked for in the aipstackd
// process's working directory.
const Filename = "aipstackd.yml"

// maxFileSize bounds how large a config file LoadFile will read, guarding
// against a misconfigured or hostile file being handed to the YAML parser.
const maxFileSize = 1 << 20 // 1MB

// File is the on-disk shape of the config file. Durations are encoded as
// strings (e.g. "250ms", "30s") and parsed with time.ParseDuration; every
// field mirrors a tcp.Config tunable of the same name, one-to-one, so
// ToTCPConfig can start from tcp.DefaultConfig() and override only what the
// file sets.
type File struct {
	Network NetworkConfig `yaml:"network"`
	TCP     TCPConfig     `yaml:"tcp"`
	Metrics MetricsConfig `yaml:"metrics"`
	PCAP    PCAPConfig    `yaml:"pcap"`
}

// NetworkConfig names the interface and addressing aipstackd binds to.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
	LocalAddr string `yaml:"local_addr"`
	IfaceMTU  int    `yaml:"iface_mtu"`
}

// TCPConfig is the YAML projection of tcp.Config. Pointer/string fields
// distinguish "unset" (use the engine default) from an explicit zero value,
// the same distinction the teacher's SiteConfig.AutoUpdateEnabled makes for
// a bool.
type TCPConfig struct {
	MaxPcbs      *int `yaml:"max_pcbs"`
	MaxListeners *int `yaml:"max_listeners"`

	RcvWndShift               *uint8  `yaml:"rcv_wnd_shift"`
	DefaultRcvWnd             *uint32 `yaml:"default_rcv_wnd"`
	DefaultWndUpdateThreshold *uint32 `yaml:"default_wnd_update_threshold"`

	InitialRto string `yaml:"initial_rto"`
	MinRto     string `yaml:"min_rto"`
	MaxRto     string `yaml:"max_rto"`

	AbandonedTimeout string `yaml:"abandoned_timeout"`
	TimeWaitDuration string `yaml:"time_wait_duration"`
	SynRcvdTimeout   string `yaml:"syn_rcvd_timeout"`
	SynSentTimeout   string `yaml:"syn_sent_timeout"`

	FastRtxDupAcks       *int    `yaml:"fast_rtx_dup_acks"`
	MaxAdditionalDupAcks *int    `yaml:"max_additional_dup_acks"`
	MaxSegmentSizeCap    *uint16 `yaml:"max_segment_size_cap"`
	MaxOOOSegments       *int    `yaml:"max_ooo_segments"`
}

// MetricsConfig controls the Prometheus exporter's listen address.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PCAPConfig controls optional packet capture of every segment the engine
// sends or receives, kept from the teacher's pcap writer.
type PCAPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadFile reads and parses path, applying the same defensive checks the
// teacher's site config loader does: refuse world-writable files, refuse
// oversized files, and fall back to an empty File (meaning "all defaults")
// on any error rather than failing startup outright.
func LoadFile(path string) File {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to stat config file", "path", path, "error", err)
		}
		return File{}
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		slog.Error("config file is world-writable, refusing to load", "path", path, "mode", info.Mode())
		return File{}
	}

	if info.Size() > maxFileSize {
		slog.Warn("config file too large", "path", path, "size", info.Size())
		return File{}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read config file", "path", path, "error", err)
		return File{}
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		slog.Warn("failed to parse config file", "path", path, "error", err)
		return File{}
	}

	slog.Info("loaded config", "path", path, "size", info.Size())
	return f
}

// ToTCPConfig builds a tcp.Config starting from tcp.DefaultConfig() and
// overriding only the fields f.TCP set explicitly.
func (f File) ToTCPConfig() (tcp.Config, error) {
	cfg := tcp.DefaultConfig()
	t := f.TCP

	if t.MaxPcbs != nil {
		cfg.MaxPcbs = *t.MaxPcbs
	}
	if t.MaxListeners != nil {
		cfg.MaxListeners = *t.MaxListeners
	}
	if t.RcvWndShift != nil {
		cfg.RcvWndShift = *t.RcvWndShift
	}
	if t.DefaultRcvWnd != nil {
		cfg.DefaultRcvWnd = *t.DefaultRcvWnd
	}
	if t.DefaultWndUpdateThreshold != nil {
		cfg.DefaultWndUpdateThreshold = *t.DefaultWndUpdateThreshold
	}
	if t.FastRtxDupAcks != nil {
		cfg.FastRtxDupAcks = *t.FastRtxDupAcks
	}
	if t.MaxAdditionalDupAcks != nil {
		cfg.MaxAdditionalDupAcks = *t.MaxAdditionalDupAcks
	}
	if t.MaxSegmentSizeCap != nil {
		cfg.MaxSegmentSizeCap = *t.MaxSegmentSizeCap
	}
	if t.MaxOOOSegments != nil {
		cfg.MaxOOOSegments = *t.MaxOOOSegments
	}

	var err error
	if cfg.InitialRto, err = parseDurationOr(t.InitialRto, cfg.InitialRto); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.initial_rto: %w", err)
	}
	if cfg.MinRto, err = parseDurationOr(t.MinRto, cfg.MinRto); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.min_rto: %w", err)
	}
	if cfg.MaxRto, err = parseDurationOr(t.MaxRto, cfg.MaxRto); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.max_rto: %w", err)
	}
	if cfg.AbandonedTimeout, err = parseDurationOr(t.AbandonedTimeout, cfg.AbandonedTimeout); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.abandoned_timeout: %w", err)
	}
	if cfg.TimeWaitDuration, err = parseDurationOr(t.TimeWaitDuration, cfg.TimeWaitDuration); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.time_wait_duration: %w", err)
	}
	if cfg.SynRcvdTimeout, err = parseDurationOr(t.SynRcvdTimeout, cfg.SynRcvdTimeout); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.syn_rcvd_timeout: %w", err)
	}
	if cfg.SynSentTimeout, err = parseDurationOr(t.SynSentTimeout, cfg.SynSentTimeout); err != nil {
		return tcp.Config{}, fmt.Errorf("tcp.syn_sent_timeout: %w", err)
	}

	return cfg, nil
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
