// Package options holds the configuration recognized by the transport
// (spec §6 Configuration), loadable from an optional TOML file, mirroring
// the teacher's config.Load/DefaultConfig/Validate split. Load reads no
// environment variables; JOBLIB_TEMP_FOLDER is consulted by tempdir.Resolve.
package options

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// MmapMode mirrors the three modes a Descriptor may carry on the wire.
// "w+" is deliberately not representable here — spec §3/§6 requires it be
// canonicalized to "r+" at decode time, never emitted.
type MmapMode string

const (
	ModeRead        MmapMode = "r"
	ModeReadWrite   MmapMode = "r+"
	ModeCopyOnWrite MmapMode = "c"
)

func (m *MmapMode) UnmarshalText(text []byte) error {
	v := MmapMode(text)
	switch v {
	case ModeRead, ModeReadWrite, ModeCopyOnWrite:
		*m = v
		return nil
	default:
		return fmt.Errorf("unsupported mmap mode: %q", text)
	}
}

// Prewarm mirrors the three-way prewarm setting from spec §6.
type Prewarm string

const (
	PrewarmAuto  Prewarm = "auto"
	PrewarmTrue  Prewarm = "true"
	PrewarmFalse Prewarm = "false"
)

func (p *Prewarm) UnmarshalText(text []byte) error {
	v := Prewarm(text)
	switch v {
	case PrewarmAuto, PrewarmTrue, PrewarmFalse:
		*p = v
		return nil
	default:
		return fmt.Errorf("unsupported prewarm setting: %q", text)
	}
}

// Options is the configuration recognized by the ContextManager / reducer
// factory (spec §6).
type Options struct {
	// MaxNBytes is the memmap threshold. A nil pointer means "never
	// memmap" (spec §8 boundary behavior). Default 1 MiB.
	MaxNBytes         *int64   `toml:"max_nbytes"`
	MmapMode          MmapMode `toml:"mmap_mode"`
	TempFolderRoot    string   `toml:"temp_folder_root"`
	Prewarm           Prewarm  `toml:"prewarm"`
	UnlinkOnGCCollect bool     `toml:"unlink_on_gc_collect"`
	Verbose           int      `toml:"verbose"`
	ContextID         string   `toml:"context_id"`
}

const defaultMaxNBytes = 1 << 20 // 1 MiB

// Default returns the spec-mandated defaults (§6).
func Default() *Options {
	max := int64(defaultMaxNBytes)
	return &Options{
		MaxNBytes:         &max,
		MmapMode:          ModeRead,
		Prewarm:           PrewarmAuto,
		UnlinkOnGCCollect: true,
		Verbose:           0,
	}
}

// Load reads path (if non-empty) as a TOML overlay on Default(), then
// validates the result. A missing path is not an error — Default() alone
// is returned.
func Load(path string) (*Options, error) {
	opts := Default()
	if path == "" {
		return opts, opts.Validate()
	}

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return opts, opts.Validate()
		}
		return nil, fmt.Errorf("reading options file: %w", err)
	}

	if err := toml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parsing options file: %w", err)
	}

	if opts.MmapMode == "" {
		opts.MmapMode = ModeRead
	}
	if opts.Prewarm == "" {
		opts.Prewarm = PrewarmAuto
	}
	opts.TempFolderRoot = ExpandPath(opts.TempFolderRoot)

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating options: %w", err)
	}
	return opts, nil
}

// Validate fails fast on unknown/contradictory config (spec §7.1).
func (o *Options) Validate() error {
	switch o.MmapMode {
	case ModeRead, ModeReadWrite, ModeCopyOnWrite:
	default:
		return fmt.Errorf("unsupported mmap_mode: %q", o.MmapMode)
	}
	switch o.Prewarm {
	case PrewarmAuto, PrewarmTrue, PrewarmFalse:
	default:
		return fmt.Errorf("unsupported prewarm: %q", o.Prewarm)
	}
	if o.MaxNBytes != nil && *o.MaxNBytes < 0 {
		return fmt.Errorf("max_nbytes must be >= 0 or unset, got %d", *o.MaxNBytes)
	}
	return nil
}

// NeverMemmap reports whether MaxNBytes is nil (spec §8: "max_nbytes = null
// => no array is ever memmapped").
func (o *Options) NeverMemmap() bool {
	return o.MaxNBytes == nil
}

// ExceedsThreshold applies the strict-> rule from spec §8: nbytes must be
// strictly greater than MaxNBytes.
func (o *Options) ExceedsThreshold(nbytes int64) bool {
	if o.MaxNBytes == nil {
		return false
	}
	return nbytes > *o.MaxNBytes
}

// ExpandPath expands a leading ~/ and any $VAR references, matching the
// teacher's config.ExpandPath.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
