// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

import (
	"context"

	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// FormatHooks are the external collaborators that commit a format's
// planned state to the host.  A nil hook is a no-op.
type FormatHooks struct {
	Create     func(ctx context.Context, devicePath string, options []string) error
	Destroy    func(ctx context.Context) error
	Resize     func(ctx context.Context) error
	WriteLabel func(ctx context.Context, dryRun bool) error
}

// Format is the interpretation placed on a device: a filesystem, an
// LVM PV, an MD member, a LUKS container, a disklabel, swap, or the
// null placeholder.
type Format interface {
	Type() string
	UUID() string
	SetUUID(string)
	Label() string
	SetLabel(string)
	Mountpoint() string
	SetMountpoint(string)
	Mountable() bool

	Exists() bool
	SetExists(bool)
	Supported() bool
	Formattable() bool
	Resizable() bool
	Destroyable() bool
	Hidden() bool

	MinSize() blkunit.Size
	MaxSize() blkunit.Size
	CurrentSize() blkunit.Size
	SetCurrentSize(blkunit.Size)
	TargetSize() blkunit.Size
	SetTargetSize(blkunit.Size)

	// Device is the device-node path the format lives on.
	Device() string
	SetDevice(string)

	// PartedFlag is the disklabel flag set on a partition holding
	// this format, or "" for none.
	PartedFlag() blklabel.Flag
	// PartedSystem is the partition system type id written for
	// this format, or "" for none.
	PartedSystem() string

	ConfigAttrs() map[string]ConfigAttr
	ConfigHandler(name string) ConfigHandlerFunc

	Create(ctx context.Context, devicePath string, options []string) error
	Destroy(ctx context.Context) error
	DoResize(ctx context.Context) error
}

// FormatBase carries the state common to every format.
type FormatBase struct {
	uuid    string
	label   string
	device  string
	exists  bool
	current blkunit.Size
	target  blkunit.Size
	hooks   FormatHooks
}

// FormatConfig is the common construction-time state for a format.
type FormatConfig struct {
	UUID    string
	Label   string
	Device  string
	Exists  bool
	Size    blkunit.Size
	Hooks   FormatHooks
}

func newFormatBase(cfg FormatConfig) FormatBase {
	return FormatBase{
		uuid:    cfg.UUID,
		label:   cfg.Label,
		device:  cfg.Device,
		exists:  cfg.Exists,
		current: cfg.Size,
		hooks:   cfg.Hooks,
	}
}

func (f *FormatBase) UUID() string                    { return f.uuid }
func (f *FormatBase) SetUUID(u string)                { f.uuid = u }
func (f *FormatBase) Label() string                   { return f.label }
func (f *FormatBase) SetLabel(l string)               { f.label = l }
func (f *FormatBase) Mountpoint() string              { return "" }
func (f *FormatBase) SetMountpoint(string)            {}
func (f *FormatBase) Mountable() bool                 { return false }
func (f *FormatBase) Exists() bool                    { return f.exists }
func (f *FormatBase) SetExists(v bool)                { f.exists = v }
func (f *FormatBase) Supported() bool                 { return true }
func (f *FormatBase) Formattable() bool               { return false }
func (f *FormatBase) Resizable() bool                 { return false }
func (f *FormatBase) Destroyable() bool               { return true }
func (f *FormatBase) Hidden() bool                    { return false }
func (f *FormatBase) MinSize() blkunit.Size           { return 0 }
func (f *FormatBase) MaxSize() blkunit.Size           { return 0 }
func (f *FormatBase) CurrentSize() blkunit.Size       { return f.current }
func (f *FormatBase) SetCurrentSize(s blkunit.Size)   { f.current = s }
func (f *FormatBase) TargetSize() blkunit.Size        { return f.target }
func (f *FormatBase) SetTargetSize(s blkunit.Size)    { f.target = s }
func (f *FormatBase) Device() string                  { return f.device }
func (f *FormatBase) SetDevice(d string)              { f.device = d }
func (f *FormatBase) PartedFlag() blklabel.Flag       { return "" }
func (f *FormatBase) PartedSystem() string            { return "" }
func (f *FormatBase) ConfigAttrs() map[string]ConfigAttr { return nil }

func (f *FormatBase) ConfigHandler(name string) ConfigHandlerFunc { return nil }

func (f *FormatBase) Create(ctx context.Context, devicePath string, options []string) error {
	f.device = devicePath
	if f.hooks.Create != nil {
		if err := f.hooks.Create(ctx, devicePath, options); err != nil {
			return err
		}
	}
	f.exists = true
	return nil
}

func (f *FormatBase) Destroy(ctx context.Context) error {
	if f.hooks.Destroy != nil {
		if err := f.hooks.Destroy(ctx); err != nil {
			return err
		}
	}
	f.exists = false
	f.uuid = ""
	return nil
}

func (f *FormatBase) DoResize(ctx context.Context) error {
	if f.hooks.Resize != nil {
		if err := f.hooks.Resize(ctx); err != nil {
			return err
		}
	}
	if f.target > 0 {
		f.current = f.target
		f.target = 0
	}
	return nil
}

// NoFormat is the null-type placeholder format.
type NoFormat struct {
	FormatBase
}

func (f *NoFormat) Type() string      { return "" }
func (f *NoFormat) Destroyable() bool { return false }

// FS is a filesystem format from the ext/xfs/fat/btrfs families.
type FS struct {
	FormatBase
	fsType     string
	mountpoint string
	minSize    blkunit.Size
	maxSize    blkunit.Size
}

type FSConfig struct {
	FormatConfig
	Mountpoint string
	MinSize    blkunit.Size
	MaxSize    blkunit.Size
}

func NewFS(fsType string, cfg FSConfig) *FS {
	return &FS{
		FormatBase: newFormatBase(cfg.FormatConfig),
		fsType:     fsType,
		mountpoint: cfg.Mountpoint,
		minSize:    cfg.MinSize,
		maxSize:    cfg.MaxSize,
	}
}

func (f *FS) Type() string            { return f.fsType }
func (f *FS) Mountpoint() string      { return f.mountpoint }
func (f *FS) SetMountpoint(mp string) { f.mountpoint = mp }
func (f *FS) Mountable() bool         { return true }
func (f *FS) Formattable() bool       { return true }

func (f *FS) Resizable() bool {
	switch f.fsType {
	case "ext2", "ext3", "ext4", "xfs", "btrfs":
		return f.exists
	default:
		return false
	}
}

func (f *FS) MinSize() blkunit.Size { return f.minSize }
func (f *FS) MaxSize() blkunit.Size { return f.maxSize }

func (f *FS) PartedFlag() blklabel.Flag {
	if f.fsType == "efi" {
		return blklabel.FlagESP
	}
	return ""
}

func (f *FS) PartedSystem() string {
	switch f.fsType {
	case "vfat", "efi":
		return "0c"
	default:
		return "83"
	}
}

// ConfigAttrs allows reconfiguring the filesystem label (committed by
// the write-label hook) and the mountpoint (apply-only; persisting
// fstab is outside the engine).
func (f *FS) ConfigAttrs() map[string]ConfigAttr {
	return map[string]ConfigAttr{
		"label": {
			Get:     func() any { return f.label },
			Set:     func(v any) { f.label = v.(string) },
			Handler: "writelabel",
		},
		"mountpoint": {
			Get: func() any { return f.mountpoint },
			Set: func(v any) { f.mountpoint = v.(string) },
		},
	}
}

func (f *FS) ConfigHandler(name string) ConfigHandlerFunc {
	if name == "writelabel" && f.hooks.WriteLabel != nil {
		return func(ctx context.Context, dryRun bool) error {
			return f.hooks.WriteLabel(ctx, dryRun)
		}
	}
	if name == "writelabel" {
		return func(ctx context.Context, dryRun bool) error { return nil }
	}
	return nil
}

// Swap is a swap-space format.
type Swap struct {
	FormatBase
}

func NewSwap(cfg FormatConfig) *Swap {
	return &Swap{FormatBase: newFormatBase(cfg)}
}

func (f *Swap) Type() string              { return "swap" }
func (f *Swap) Formattable() bool         { return true }
func (f *Swap) PartedFlag() blklabel.Flag { return blklabel.FlagSwap }
func (f *Swap) PartedSystem() string      { return "82" }

// LVMPV marks a device as an LVM physical volume.
type LVMPV struct {
	FormatBase
	// PEStart is the offset of the first physical extent.
	PEStart blkunit.Size
}

func NewLVMPV(cfg FormatConfig) *LVMPV {
	return &LVMPV{
		FormatBase: newFormatBase(cfg),
		PEStart:    blkunit.MiB,
	}
}

func (f *LVMPV) Type() string              { return "lvmpv" }
func (f *LVMPV) Formattable() bool         { return true }
func (f *LVMPV) PartedFlag() blklabel.Flag { return blklabel.FlagLVM }
func (f *LVMPV) PartedSystem() string      { return "8e" }

// MDMember marks a device as a member of an MD RAID array.
type MDMember struct {
	FormatBase
}

func NewMDMember(cfg FormatConfig) *MDMember {
	return &MDMember{FormatBase: newFormatBase(cfg)}
}

func (f *MDMember) Type() string              { return "mdmember" }
func (f *MDMember) Formattable() bool         { return true }
func (f *MDMember) PartedFlag() blklabel.Flag { return blklabel.FlagRAID }
func (f *MDMember) PartedSystem() string      { return "fd" }

// LUKS is an encrypted container format.
type LUKS struct {
	FormatBase
	// MapName is the name of the decrypted device-mapper node.
	MapName string
	// MinLUKSEntropy overrides the engine-wide entropy floor when
	// non-zero.
	MinLUKSEntropy int
}

type LUKSConfig struct {
	FormatConfig
	MapName        string
	MinLUKSEntropy int
}

func NewLUKS(cfg LUKSConfig) *LUKS {
	return &LUKS{
		FormatBase:     newFormatBase(cfg.FormatConfig),
		MapName:        cfg.MapName,
		MinLUKSEntropy: cfg.MinLUKSEntropy,
	}
}

func (f *LUKS) Type() string      { return "luks" }
func (f *LUKS) Formattable() bool { return true }

// GetFormat constructs a default-configured format of the named type.
// An empty name yields the null placeholder.
func GetFormat(typ string) Format {
	switch typ {
	case "":
		return &NoFormat{}
	case "swap":
		return NewSwap(FormatConfig{})
	case "lvmpv":
		return NewLVMPV(FormatConfig{})
	case "mdmember":
		return NewMDMember(FormatConfig{})
	case "luks":
		return NewLUKS(LUKSConfig{})
	case "disklabel":
		return NewDiskLabel(DiskLabelConfig{})
	default:
		return NewFS(typ, FSConfig{})
	}
}

// FormatDesc renders a format for log and error messages.
func FormatDesc(f Format) string {
	if f == nil || f.Type() == "" {
		return "none"
	}
	return f.Type()
}
