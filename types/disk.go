package types

// TableKind is the partition map type of a device.
type TableKind string

const (
	TableNone  TableKind = ""      // no partition map (empty device)
	TableGPT   TableKind = "gpt"   // GUID partition table
	TableMSDOS TableKind = "msdos" // DOS/MBR partition map
)

// Firmware is the boot mode the host was started in.
type Firmware string

const (
	FirmwareEFI  Firmware = "efi"
	FirmwareBIOS Firmware = "bios"
)

// PartitionRole is the MBR slot kind of a partition. GPT partitions are
// always RolePrimary.
type PartitionRole string

const (
	RolePrimary  PartitionRole = "primary"
	RoleExtended PartitionRole = "extended"
	RoleLogical  PartitionRole = "logical"
)

// Device is a whole block device as reported by enumeration.
type Device struct {
	Path       string    `json:"path"`
	Model      string    `json:"model"`
	Size       int64     `json:"size"` // bytes
	Table      TableKind `json:"table,omitempty"`
	SectorSize int64     `json:"sector_size"`
}

// Partition is one slot of a device's partition map.
type Partition struct {
	Path   string        `json:"path"`   // device node, e.g. /dev/sda2
	Parent string        `json:"parent"` // parent device node, e.g. /dev/sda
	Number int           `json:"number"`
	FSType string        `json:"fs_type,omitempty"` // empty = unformatted
	Size   int64         `json:"size"`              // bytes
	Role   PartitionRole `json:"role,omitempty"`
	ESP    bool          `json:"esp,omitempty"`
	UUID   string        `json:"uuid,omitempty"` // filesystem UUID
}

// Formatted reports whether a filesystem was detected on the partition.
func (p Partition) Formatted() bool { return p.FSType != "" }
