package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
)

const espGUID = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

// lsblkColumns are the columns Lsblk asks for.
const lsblkColumns = "PATH,PKNAME,TYPE,SIZE,MODEL,FSTYPE,PTTYPE,PARTTYPE,PARTN,UUID,LOG-SEC"

// Prober enumerates block devices and their partitions.
type Prober interface {
	Devices(ctx context.Context) ([]types.Device, error)
	Partitions(ctx context.Context, dev string) ([]types.Partition, error)
}

// Lsblk implements Prober over `lsblk --json`.
type Lsblk struct {
	Runner sysexec.Runner
}

var _ Prober = Lsblk{}

// Devices lists whole disks.
func (l Lsblk) Devices(ctx context.Context) ([]types.Device, error) {
	devs, err := l.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Device
	for _, d := range devs {
		if d.Type != "disk" {
			continue
		}
		out = append(out, d.device())
	}
	return out, nil
}

// Device describes one whole disk.
func (l Lsblk) Device(ctx context.Context, path string) (types.Device, error) {
	devs, err := l.list(ctx, path)
	if err != nil {
		return types.Device{}, err
	}
	for _, d := range devs {
		if d.Path == path {
			return d.device(), nil
		}
	}
	return types.Device{}, errdefs.Config("device %s not found", path)
}

// Partitions lists the partitions of dev. A partition whose filesystem
// cannot be identified is reported as unformatted.
func (l Lsblk) Partitions(ctx context.Context, dev string) ([]types.Partition, error) {
	devs, err := l.list(ctx, dev)
	if err != nil {
		return nil, err
	}
	var table types.TableKind
	for _, d := range devs {
		if d.Path == dev {
			table = tableKind(d.PTType)
		}
	}
	var out []types.Partition
	for _, d := range devs {
		if d.Type != "part" {
			continue
		}
		out = append(out, d.partition(dev, table))
	}
	return out, nil
}

// Parent resolves the whole-disk device node holding partition part.
func (l Lsblk) Parent(ctx context.Context, part string) (string, error) {
	devs, err := l.list(ctx, part)
	if err != nil {
		return "", err
	}
	for _, d := range devs {
		if d.Path == part && d.Type == "part" && d.PKName != "" {
			if strings.HasPrefix(d.PKName, "/") {
				return d.PKName, nil
			}
			return "/dev/" + d.PKName, nil
		}
	}
	return "", errdefs.Config("%s is not a partition", part)
}

// Table reports the partition map kind of dev.
func (l Lsblk) Table(ctx context.Context, dev string) (types.TableKind, error) {
	d, err := l.Device(ctx, dev)
	if err != nil {
		return types.TableNone, err
	}
	return d.Table, nil
}

func (l Lsblk) list(ctx context.Context, paths ...string) ([]lsblkDevice, error) {
	args := append([]string{"--json", "--bytes", "--list", "--output", lsblkColumns}, paths...)
	out, err := l.Runner.Run(ctx, sysexec.Command("lsblk", args...))
	if err != nil {
		return nil, fmt.Errorf("enumerate block devices: %w", err)
	}
	return parseLsblk(out)
}

type lsblkDevice struct {
	Path     string        `json:"path"`
	PKName   string        `json:"pkname"`
	Type     string        `json:"type"`
	Size     flexInt       `json:"size"`
	Model    string        `json:"model"`
	FSType   string        `json:"fstype"`
	PTType   string        `json:"pttype"`
	PartType string        `json:"parttype"`
	PartN    flexInt       `json:"partn"`
	UUID     string        `json:"uuid"`
	LogSec   flexInt       `json:"log-sec"`
	Children []lsblkDevice `json:"children"`
}

func (d lsblkDevice) device() types.Device {
	return types.Device{
		Path:       d.Path,
		Model:      strings.TrimSpace(d.Model),
		Size:       int64(d.Size),
		Table:      tableKind(d.PTType),
		SectorSize: int64(d.LogSec),
	}
}

func (d lsblkDevice) partition(parent string, table types.TableKind) types.Partition {
	p := types.Partition{
		Path:   d.Path,
		Parent: parent,
		Number: int(d.PartN),
		FSType: d.FSType,
		Size:   int64(d.Size),
		UUID:   d.UUID,
		Role:   types.RolePrimary,
	}
	ptype := strings.ToLower(d.PartType)
	switch table {
	case types.TableGPT:
		p.ESP = ptype == espGUID
	case types.TableMSDOS:
		p.ESP = ptype == "0xef"
		switch {
		case ptype == "0x5" || ptype == "0xf" || ptype == "0x85":
			p.Role = types.RoleExtended
		case p.Number > 4: //nolint:mnd // slots 1-4 are primary on MBR
			p.Role = types.RoleLogical
		}
	}
	return p
}

func parseLsblk(data []byte) ([]lsblkDevice, error) {
	var doc struct {
		BlockDevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.WithKind(fmt.Errorf("parse lsblk output: %w", err), errdefs.ErrInternal)
	}
	var flat []lsblkDevice
	var walk func([]lsblkDevice)
	walk = func(ds []lsblkDevice) {
		for _, d := range ds {
			flat = append(flat, d)
			walk(d.Children)
		}
	}
	walk(doc.BlockDevices)
	return flat, nil
}

func tableKind(pttype string) types.TableKind {
	switch pttype {
	case "gpt":
		return types.TableGPT
	case "dos":
		return types.TableMSDOS
	default:
		return types.TableNone
	}
}

// flexInt accepts both JSON numbers and numeric strings; older lsblk
// releases quote every value.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}
