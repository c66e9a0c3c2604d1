// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

import (
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// MDRaidArrayDevice is a software RAID array.  Its parents are the
// mdmember-formatted member devices.
type MDRaidArrayDevice struct {
	StorageDevice

	Level         string
	Spares        int
	MemberDevices int
	ChunkSize     blkunit.Size
}

type MDConfig struct {
	Config

	Level         string
	Spares        int
	MemberDevices int
	ChunkSize     blkunit.Size
}

func NewMDRaidArray(name string, cfg MDConfig) *MDRaidArrayDevice {
	md := new(MDRaidArrayDevice)
	initDevice(md, &md.StorageDevice, name, cfg.Config)
	md.Level = cfg.Level
	md.Spares = cfg.Spares
	md.MemberDevices = cfg.MemberDevices
	if md.MemberDevices == 0 {
		md.MemberDevices = len(md.parents)
	}
	md.ChunkSize = cfg.ChunkSize
	for _, member := range md.parents {
		member.SetContainer(md)
	}
	return md
}

func (md *MDRaidArrayDevice) Type() string { return "mdarray" }

func (md *MDRaidArrayDevice) Path() string {
	if md.path != "" {
		return md.path
	}
	return "/dev/md/" + md.name
}

// Complete reports whether all member devices are present.
func (md *MDRaidArrayDevice) Complete() bool {
	return len(md.parents) >= md.MemberDevices
}

func (md *MDRaidArrayDevice) Resizable() bool { return false }
