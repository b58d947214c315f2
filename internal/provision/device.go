package provision

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sdforge/sdforge/internal/run"
)

// RootDevice identifies the block device backing the root filesystem.
type RootDevice struct {
	Disk      string // whole-disk device, e.g. /dev/mmcblk0
	Partition string // root partition device, e.g. /dev/mmcblk0p2
	Number    int    // partition number on the disk
}

// DiscoverRootDevice resolves the device mounted at / via findmnt and splits
// it into disk and partition number.
func DiscoverRootDevice(ctx context.Context, runner run.Runner) (RootDevice, error) {
	out, err := runner.Run(ctx, run.Cmd{
		Name: "findmnt",
		Args: []string{"-n", "-o", "SOURCE", "/"},
	})
	if err != nil {
		return RootDevice{}, fmt.Errorf("locate root device: %w", err)
	}

	source := strings.TrimSpace(string(out))
	if source == "" {
		return RootDevice{}, fmt.Errorf("findmnt reported no source for /")
	}
	return splitPartition(source)
}

// splitPartition splits a partition device into its disk and number.
// Handles both naming schemes: /dev/sda2 -> /dev/sda 2, and devices whose
// disk name ends in a digit and therefore carry a "p" separator,
// /dev/mmcblk0p2 -> /dev/mmcblk0 2, /dev/nvme0n1p2 -> /dev/nvme0n1 2.
func splitPartition(device string) (RootDevice, error) {
	i := len(device)
	for i > 0 && device[i-1] >= '0' && device[i-1] <= '9' {
		i--
	}
	if i == len(device) || i == 0 {
		return RootDevice{}, fmt.Errorf("device %q has no partition number", device)
	}

	number, err := strconv.Atoi(device[i:])
	if err != nil {
		return RootDevice{}, fmt.Errorf("device %q: %w", device, err)
	}
	// Partition numbers start at 1; a trailing 0 is a whole-disk device
	// like /dev/mmcblk0.
	if number == 0 {
		return RootDevice{}, fmt.Errorf("device %q has no partition number", device)
	}

	disk := device[:i]
	if strings.HasSuffix(disk, "p") && len(disk) > 1 && disk[len(disk)-2] >= '0' && disk[len(disk)-2] <= '9' {
		disk = disk[:len(disk)-1]
	}

	return RootDevice{Disk: disk, Partition: device, Number: number}, nil
}
