// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkgpt knows the well-known GPT partition type UUIDs from
// the Discoverable Partitions Specification, so that new partitions
// can be stamped with a type that allows them to be automatically
// discovered and mounted.
package blkgpt

import (
	"fmt"
	"runtime"
)

// Vol identifies a volume role.
type Vol string

// Architecture-qualified volume roles.
const (
	VolArchRoot         Vol = "root"
	VolArchRootVerity   Vol = "root_verity"
	VolArchRootVeritySig Vol = "root_verity_sig"
	VolArchUsr          Vol = "usr"
	VolArchUsrVerity    Vol = "usr_verity"
	VolArchUsrVeritySig Vol = "usr_verity_sig"
)

// Architecture-agnostic volume roles.
const (
	VolESP          Vol = "esp"
	VolXBootLdr     Vol = "xbootldr"
	VolSwap         Vol = "swap"
	VolHome         Vol = "home"
	VolSrv          Vol = "srv"
	VolVar          Vol = "var"
	VolTmp          Vol = "tmp"
	VolUserHome     Vol = "user_home"
	VolLinuxGeneric Vol = "linux_generic"
)

// VolUUIDError is the error returned for an unknown volume role, or
// an unknown architecture for an architecture-qualified role.
type VolUUIDError struct {
	Msg string
}

func (e *VolUUIDError) Error() string {
	return "blkgpt: " + e.Msg
}

var commonUUID = map[Vol]string{
	VolESP:          "c12a7328-f81f-11d2-ba4b-00a0c93ec93b",
	VolXBootLdr:     "bc13c2ff-59e6-4262-a352-b275fd6f7172",
	VolSwap:         "0657fd6d-a4ab-43c4-84e5-0933c84b4f4f",
	VolHome:         "933ac7e1-2eb4-4f13-b844-0e14e2aef915",
	VolSrv:          "3b8f8425-20e0-4f3b-907f-1a25a76f98e8",
	VolVar:          "4d21b016-b534-45c2-a9fb-5c16e091fd2d",
	VolTmp:          "7ec6f557-3bc5-4aca-b293-16ef5df639d1",
	VolUserHome:     "773f91ef-66d4-49b5-bd83-d683bf40ad16",
	VolLinuxGeneric: "0fc63daf-8483-4772-8e79-3d69d8477de4",
}

var archUUID = map[Vol]map[string]string{
	VolArchRoot: {
		"alpha":       "6523f8ae-3eb1-4e2a-a05a-18b695ae656f",
		"arc":         "d27f46ed-2919-4cb8-bd25-9531f3c16534",
		"arm":         "69dad710-2ce4-4e3c-b16c-21a1d49abed3",
		"aarch64":     "b921b045-1df0-41c3-af44-4c6f280d3fae",
		"i386":        "44479540-f297-41b2-9af7-d131d5f0458a",
		"ia64":        "993d8d3d-f80e-4225-855a-9daf8ed7ea97",
		"loongarch64": "77055800-792c-4f94-b39a-98c91b762bb6",
		"mips64el":    "700bda43-7a34-4507-b179-eeb93d7a7ca3",
		"mipsel":      "37c58c8a-d913-4156-a25f-48b1b64e07f0",
		"parisc":      "1aacdb3b-5444-4138-bd9e-e5c2239b2346",
		"ppc":         "1de3f1ef-fa98-47b5-8dcd-4a860a654d78",
		"ppc64":       "912ade1d-a839-4913-8964-a10eee08fbd2",
		"ppc64el":     "c31c45e6-3f39-412e-80fb-4809c4980599",
		"riscv32":     "60d5a7fe-8e7d-435c-b714-3dd8162144e1",
		"riscv64":     "72ec70a6-cf74-40e6-bd49-4bda08e8f224",
		"s390":        "08a7acea-624c-4a20-91e8-6e0fa67d23f9",
		"s390x":       "5eead9a9-fe09-4a1e-a1d7-520d00531306",
		"tilegx":      "c50cdd70-3862-4cc3-90e1-809a8c93ee2c",
		"x86_64":      "4f68bce3-e8cd-4db1-96e7-fbcaf984b709",
	},
	VolArchRootVerity: {
		"alpha":       "fc56d9e9-e6e5-4c06-be32-e74407ce09a5",
		"arc":         "24b2d975-0f97-4521-afa1-cd531e421b8d",
		"arm":         "7386cdf2-203c-47a9-a498-f2ecce45a2d6",
		"aarch64":     "df3300ce-d69f-4c92-978c-9bfb0f38d820",
		"i386":        "d13c5d3b-b5d1-422a-b29f-9454fdc89d76",
		"ia64":        "86ed10d5-b607-45bb-8957-d350f23d0571",
		"loongarch64": "f3393b22-e9af-4613-a948-9d3bfbd0c535",
		"mips64el":    "16b417f8-3e06-4f57-8dd2-9b5232f41aa6",
		"mipsel":      "d7d150d2-2a04-4a33-8f12-16651205ff7b",
		"parisc":      "d212a430-fbc5-49f9-a983-a7feef2b8d0e",
		"ppc":         "98cfe649-1588-46dc-b2f0-add147424925",
		"ppc64":       "9225a9a3-3c19-4d89-b4f6-eeff88f17631",
		"ppc64el":     "906bd944-4589-4aae-a4e4-dd983917446a",
		"riscv32":     "ae0253be-1167-4007-ac68-43926c14c5de",
		"riscv64":     "b6ed5582-440b-4209-b8da-5ff7c419ea3d",
		"s390":        "7ac63b47-b25c-463b-8df8-b4a94e6c90e1",
		"s390x":       "b325bfbe-c7be-4ab8-8357-139e652d2f6b",
		"tilegx":      "966061ec-28e4-4b2e-b4a5-1f0a825a1d84",
		"x86_64":      "2c7357ed-ebd2-46d9-aec1-23d437ec2bf5",
	},
	VolArchRootVeritySig: {
		"alpha":       "d46495b7-a053-414f-80f7-700c99921ef8",
		"arc":         "143a70ba-cbd3-4f06-919f-6c05683a78bc",
		"arm":         "42b0455f-eb11-491d-98d3-56145ba9d037",
		"aarch64":     "6db69de6-29f4-4758-a7a5-962190f00ce3",
		"i386":        "5996fc05-109c-48de-808b-23fa0830b676",
		"ia64":        "e98b36ee-32ba-4882-9b12-0ce14655f46a",
		"loongarch64": "5afb67eb-ecc8-4f85-ae8e-ac1e7c50e7d0",
		"mips64el":    "904e58ef-5c65-4a31-9c57-6af5fc7c5de7",
		"mipsel":      "c919cc1f-4456-4eff-918c-f75e94525ca5",
		"parisc":      "15de6170-65d3-431c-916e-b0dcd8393f25",
		"ppc":         "1b31b5aa-add9-463a-b2ed-bd467fc857e7",
		"ppc64":       "f5e2c20c-45b2-4ffa-bce9-2a60737e1aaf",
		"ppc64el":     "d4a236e7-e873-4c07-bf1d-bf6cf7f1c3c6",
		"riscv32":     "3a112a75-8729-4380-b4cf-764d79934448",
		"riscv64":     "efe0f087-ea8d-4469-821a-4c2a96a8386a",
		"s390":        "3482388e-4254-435a-a241-766a065f9960",
		"s390x":       "c80187a5-73a3-491a-901a-017c3fa953e9",
		"tilegx":      "b3671439-97b0-4a53-90f7-2d5a8f3ad47b",
		"x86_64":      "41092b05-9fc8-4523-994f-2def0408b176",
	},
	VolArchUsr: {
		"alpha":       "e18cf08c-33ec-4c0d-8246-c6c6fb3da024",
		"arc":         "7978a683-6316-4922-bbee-38bff5a2fecc",
		"arm":         "7d0359a3-02b3-4f0a-865c-654403e70625",
		"aarch64":     "b0e01050-ee5f-4390-949a-9101b17104e9",
		"i386":        "75250d76-8cc6-458e-bd66-bd47cc81a812",
		"ia64":        "4301d2a6-4e3b-4b2a-bb94-9e0b2c4225ea",
		"loongarch64": "e611c702-575c-4cbe-9a46-434fa0bf7e3f",
		"mips64el":    "c97c1f32-ba06-40b4-9f22-236061b08aa8",
		"mipsel":      "0f4868e9-9952-4706-979f-3ed3a473e947",
		"parisc":      "dc4a4480-6917-4262-a4ec-db9384949f25",
		"ppc":         "7d14fec5-cc71-415d-9d6c-06bf0b3c3eaf",
		"ppc64":       "2c9739e2-f068-46b3-9fd0-01c5a9afbcca",
		"ppc64el":     "15bb03af-77e7-4d4a-b12b-c0d084f7491c",
		"riscv32":     "b933fb22-5c3f-4f91-af90-e2bb0fa50702",
		"riscv64":     "beaec34b-8442-439b-a40b-984381ed097d",
		"s390":        "cd0f869b-d0fb-4ca0-b141-9ea87cc78d66",
		"s390x":       "8a4f5770-50aa-4ed3-874a-99b710db6fea",
		"tilegx":      "55497029-c7c1-44cc-aa39-815ed1558630",
		"x86_64":      "8484680c-9521-48c6-9c11-b0720656f69e",
	},
	VolArchUsrVerity: {
		"alpha":       "8cce0d25-c0d0-4a44-bd87-46331bf1df67",
		"arc":         "fca0598c-d880-4591-8c16-4eda05c7347c",
		"arm":         "c215d751-7bcd-4649-be90-6627490a4c05",
		"aarch64":     "6e11a4e7-fbca-4ded-b9e9-e1a512bb664e",
		"i386":        "8f461b0d-14ee-4e81-9aa9-049b6fb97abd",
		"ia64":        "6a491e03-3be7-4545-8e38-83320e0ea880",
		"loongarch64": "f46b2c26-59ae-48f0-9106-c50ed47f673d",
		"mips64el":    "3c3d61fe-b5f3-414d-bb71-8739a694a4ef",
		"mipsel":      "46b98d8d-b55c-4e8f-aab3-37fca7f80752",
		"parisc":      "5843d618-ec37-48d7-9f12-cea8e08768b2",
		"ppc":         "df765d00-270e-49e5-bc75-f47bb2118b09",
		"ppc64":       "bdb528a5-a259-475f-a87d-da53fa736a07",
		"ppc64el":     "ee2b9983-21e8-4153-86d9-b6901a54d1ce",
		"riscv32":     "cb1ee4e3-8cd0-4136-a0a4-aa61a32e8730",
		"riscv64":     "8f1056be-9b05-47c4-81d6-be53128e5b54",
		"s390":        "b663c618-e7bc-4d6d-90aa-11b756bb1797",
		"s390x":       "31741cc4-1a2a-4111-a581-e00b447d2d06",
		"tilegx":      "2fb4bf56-07fa-42da-8132-6b139f2026ae",
		"x86_64":      "77ff5f63-e7b6-4633-acf4-1565b864c0e6",
	},
	VolArchUsrVeritySig: {
		"alpha":       "5c6e1c76-076a-457a-a0fe-f3b4cd21ce6e",
		"arc":         "94f9a9a1-9971-427a-a400-50cb297f0f35",
		"arm":         "d7ff812f-37d1-4902-a810-d76ba57b975a",
		"aarch64":     "c23ce4ff-44bd-4b00-b2d4-b41b3419e02a",
		"i386":        "974a71c0-de41-43c3-be5d-5c5ccd1ad2c0",
		"ia64":        "8de58bc2-2a43-460d-b14e-a76e4a17b47f",
		"loongarch64": "b024f315-d330-444c-8461-44bbde524e99",
		"mips64el":    "f2c2c7ee-adcc-4351-b5c6-ee9816b66e16",
		"mipsel":      "3e23ca0b-a4bc-4b4e-8087-5ab6a26aa8a9",
		"parisc":      "450dd7d1-3224-45ec-9cf2-a43a346d71ee",
		"ppc":         "7007891d-d371-4a80-86a4-5cb875b9302e",
		"ppc64":       "0b888863-d7f8-4d9e-9766-239fce4d58af",
		"ppc64el":     "c8bfbd1e-268e-4521-8bba-bf314c399557",
		"riscv32":     "c3836a13-3137-45ba-b583-b16c50fe5eb4",
		"riscv64":     "d2f9000a-7a18-453f-b5cd-4d32f77a7b32",
		"s390":        "17440e4f-a8d0-467f-a46e-3912ae6ef2c5",
		"s390x":       "3f324816-667b-46ae-86ee-9b0c0c6c11b4",
		"tilegx":      "4ede75e2-6ccc-4cc8-b9c7-70334b087510",
		"x86_64":      "e7bb33fb-06cf-4e81-8273-e543b413e2e2",
	},
}

var goarchNames = map[string]string{
	"386":      "i386",
	"amd64":    "x86_64",
	"arm":      "arm",
	"arm64":    "aarch64",
	"loong64":  "loongarch64",
	"mips64le": "mips64el",
	"mipsle":   "mipsel",
	"ppc64":    "ppc64",
	"ppc64le":  "ppc64el",
	"riscv64":  "riscv64",
	"s390x":    "s390x",
}

// HostArch returns the canonicalized name of the host architecture, or
// "" if the host architecture has no canonical name in the tables.
func HostArch() string {
	return goarchNames[runtime.GOARCH]
}

// PartUUIDForVolume returns the GPT partition type UUID for the given
// volume role.  An empty arch requests the host architecture.
//
// The UUID allows the partition to be automatically discovered and
// mounted.
func PartUUIDForVolume(voltype Vol, arch string) (string, error) {
	if id, ok := commonUUID[voltype]; ok {
		return id, nil
	}
	byArch, ok := archUUID[voltype]
	if !ok {
		return "", &VolUUIDError{Msg: fmt.Sprintf("unknown volume type %q", voltype)}
	}

	if arch == "" {
		arch = HostArch()
	}

	id, ok := byArch[arch]
	if !ok {
		return "", &VolUUIDError{Msg: fmt.Sprintf("unknown architecture %q", arch)}
	}
	return id, nil
}

var mountpointVols = map[string]Vol{
	"/":    VolArchRoot,
	"/usr": VolArchUsr,

	"/efi":      VolESP,
	"/boot/efi": VolESP,
	"/boot":     VolXBootLdr,
	"/home":     VolHome,
	"/var":      VolVar,
	"/srv":      VolSrv,
	"/tmp":      VolTmp,
}

// PartUUIDForMountpoint returns the GPT partition type UUID for a
// filesystem to be mounted at the given absolute path, or "" if the
// path has no well-known volume role.  An empty arch requests the
// host architecture.
func PartUUIDForMountpoint(path string, arch string) (string, error) {
	voltype, ok := mountpointVols[path]
	if !ok {
		return "", nil
	}
	return PartUUIDForVolume(voltype, arch)
}
