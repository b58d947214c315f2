package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sdforge/sdforge/internal/run"
)

// Sfdisk writes and reads MBR partition tables with sfdisk(8). The table is
// always re-read from the image after writing rather than trusted from
// memory, so later steps cannot drift from what sfdisk actually laid down.
type Sfdisk struct {
	runner run.Runner
}

func NewSfdisk(runner run.Runner) *Sfdisk {
	return &Sfdisk{runner: runner}
}

// Script renders the sfdisk input describing the layout, in sectors.
func Script(l Layout) string {
	var b strings.Builder
	b.WriteString("label: dos\n")
	fmt.Fprintf(&b, "label-id: 0x%08x\n\n", l.DiskID)
	for _, e := range l.Entries {
		fmt.Fprintf(&b, "start=%d, size=%d, type=%s", e.StartSector, e.Sectors, e.Type)
		if e.Bootable {
			b.WriteString(", bootable")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Write commits the layout to the image file.
func (s *Sfdisk) Write(ctx context.Context, imagePath string, l Layout) error {
	if err := l.Check(); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, run.Cmd{
		Name:  "sfdisk",
		Args:  []string{imagePath},
		Stdin: Script(l),
	})
	if err != nil {
		return fmt.Errorf("writing partition table to %s: %w", imagePath, err)
	}
	return nil
}

// sfdisk --json document layout.
type sfdiskDoc struct {
	PartitionTable struct {
		Label      string `json:"label"`
		ID         string `json:"id"`
		Unit       string `json:"unit"`
		Partitions []struct {
			Node     string `json:"node"`
			Start    int64  `json:"start"`
			Size     int64  `json:"size"`
			Type     string `json:"type"`
			Bootable bool   `json:"bootable"`
		} `json:"partitions"`
	} `json:"partitiontable"`
}

// Read queries the partition table back from the image.
func (s *Sfdisk) Read(ctx context.Context, imagePath string) (Layout, error) {
	out, err := s.runner.Run(ctx, run.Cmd{
		Name: "sfdisk",
		Args: []string{"--json", imagePath},
	})
	if err != nil {
		return Layout{}, fmt.Errorf("reading partition table of %s: %w", imagePath, err)
	}
	return ParseSfdiskJSON(out)
}

// ParseSfdiskJSON decodes sfdisk --json output into a Layout.
func ParseSfdiskJSON(data []byte) (Layout, error) {
	var doc sfdiskDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Layout{}, fmt.Errorf("parse sfdisk json: %w", err)
	}

	pt := doc.PartitionTable
	if pt.Label != "dos" {
		return Layout{}, fmt.Errorf("unexpected partition table label %q, want dos", pt.Label)
	}
	if pt.Unit != "" && pt.Unit != "sectors" {
		return Layout{}, fmt.Errorf("unexpected sfdisk unit %q, want sectors", pt.Unit)
	}

	var diskID uint32
	if pt.ID != "" {
		raw := strings.TrimPrefix(strings.ToLower(pt.ID), "0x")
		id, err := strconv.ParseUint(raw, 16, 32)
		if err != nil {
			return Layout{}, fmt.Errorf("parse disk id %q: %w", pt.ID, err)
		}
		diskID = uint32(id)
	}

	layout := Layout{DiskID: diskID}
	for _, p := range pt.Partitions {
		layout.Entries = append(layout.Entries, Entry{
			StartSector: p.Start,
			Sectors:     p.Size,
			Type:        Type(strings.ToLower(p.Type)),
			Bootable:    p.Bootable,
		})
	}
	if err := layout.Check(); err != nil {
		return Layout{}, err
	}
	return layout, nil
}
