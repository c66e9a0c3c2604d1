// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

// BtrfsVolumeDevice is a Btrfs volume.  Its parents are the
// btrfs-formatted member devices; destroying it wipes the members'
// format rather than tearing down a device node.
type BtrfsVolumeDevice struct {
	StorageDevice
}

func NewBtrfsVolume(name string, cfg Config) *BtrfsVolumeDevice {
	v := new(BtrfsVolumeDevice)
	initDevice(v, &v.StorageDevice, name, cfg)
	for _, member := range v.parents {
		member.SetContainer(v)
	}
	return v
}

func (v *BtrfsVolumeDevice) Type() string          { return "btrfs volume" }
func (v *BtrfsVolumeDevice) FormatImmutable() bool { return true }

// UnavailableDependencies is empty even without btrfs tooling:
// destroying a volume only wipes member formats.
func (v *BtrfsVolumeDevice) UnavailableDependencies() []string { return nil }

// SubVolumes returns the volume's subvolumes from the given device
// population.
func (v *BtrfsVolumeDevice) SubVolumes(devices []Device) []*BtrfsSubVolumeDevice {
	var ret []*BtrfsSubVolumeDevice
	for _, d := range devices {
		if sv, ok := d.(*BtrfsSubVolumeDevice); ok && sv.Volume() == v {
			ret = append(ret, sv)
		}
	}
	return ret
}

// BtrfsSubVolumeDevice is a subvolume of a Btrfs volume.  Its name is
// the subvolume path.
type BtrfsSubVolumeDevice struct {
	StorageDevice

	VolID int64
}

type BtrfsSubVolumeConfig struct {
	Config

	VolID int64
}

func NewBtrfsSubVolume(name string, cfg BtrfsSubVolumeConfig) *BtrfsSubVolumeDevice {
	sv := new(BtrfsSubVolumeDevice)
	initDevice(sv, &sv.StorageDevice, name, cfg.Config)
	sv.VolID = cfg.VolID
	return sv
}

func (sv *BtrfsSubVolumeDevice) Type() string          { return "btrfs subvolume" }
func (sv *BtrfsSubVolumeDevice) FormatImmutable() bool { return true }

// Volume returns the subvolume's containing volume.
func (sv *BtrfsSubVolumeDevice) Volume() *BtrfsVolumeDevice {
	for _, p := range sv.parents {
		if vol, ok := p.(*BtrfsVolumeDevice); ok {
			return vol
		}
	}
	return nil
}
