// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkgpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartUUIDForVolume(t *testing.T) {
	t.Parallel()

	// arch-agnostic roles ignore the arch
	for _, arch := range []string{"", "x86_64", "ppc64", "bogus"} {
		id, err := PartUUIDForVolume(VolHome, arch)
		require.NoError(t, err)
		assert.Equal(t, "933ac7e1-2eb4-4f13-b844-0e14e2aef915", id)
	}

	id, err := PartUUIDForVolume(VolArchRoot, "ppc64")
	require.NoError(t, err)
	assert.Equal(t, "912ade1d-a839-4913-8964-a10eee08fbd2", id)

	id, err = PartUUIDForVolume(VolArchUsr, "x86_64")
	require.NoError(t, err)
	assert.Equal(t, "8484680c-9521-48c6-9c11-b0720656f69e", id)

	var uuidErr *VolUUIDError
	_, err = PartUUIDForVolume("florp", "")
	require.Error(t, err)
	assert.ErrorAs(t, err, &uuidErr)

	_, err = PartUUIDForVolume(VolArchRoot, "pdp11")
	require.Error(t, err)
	assert.ErrorAs(t, err, &uuidErr)
}

func TestPartUUIDForMountpoint(t *testing.T) {
	t.Parallel()

	id, err := PartUUIDForMountpoint("/home", "aarch64")
	require.NoError(t, err)
	assert.Equal(t, "933ac7e1-2eb4-4f13-b844-0e14e2aef915", id)

	id, err = PartUUIDForMountpoint("/", "ppc64")
	require.NoError(t, err)
	assert.Equal(t, "912ade1d-a839-4913-8964-a10eee08fbd2", id)

	for _, path := range []string{"/efi", "/boot/efi"} {
		id, err = PartUUIDForMountpoint(path, "")
		require.NoError(t, err)
		assert.Equal(t, "c12a7328-f81f-11d2-ba4b-00a0c93ec93b", id)
	}

	// unknown paths aren't errors, they just have no type uuid
	id, err = PartUUIDForMountpoint("/opt", "")
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

// Identical (volume, arch) pairs always return identical UUIDs, and
// no UUID appears twice within the tables.
func TestTableBijective(t *testing.T) {
	t.Parallel()

	seen := make(map[string]string)
	note := func(key, id string) {
		prev, dup := seen[id]
		assert.False(t, dup, "uuid %s assigned to both %s and %s", id, prev, key)
		seen[id] = key
	}
	for vol, id := range commonUUID {
		note(string(vol), id)
	}
	for vol, byArch := range archUUID {
		for arch, id := range byArch {
			note(string(vol)+"/"+arch, id)

			again, err := PartUUIDForVolume(vol, arch)
			require.NoError(t, err)
			assert.Equal(t, id, again)
		}
	}
}
