package types

// User is the primary account created in the target system.
type User struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Swap describes the on-target swapfile.
type Swap struct {
	Enabled bool  `json:"enabled"`
	Size    int64 `json:"size"` // bytes
}

// InstallConfig aggregates every choice the installer needs. It is assembled
// by the front end; the orchestrator only checks what individual steps need.
type InstallConfig struct {
	Partition Partition      `json:"partition"`
	ESP       *Partition     `json:"esp,omitempty"` // EFI only
	Variant   ReleaseVariant `json:"variant"`
	Mirror    MirrorEndpoint `json:"mirror"`
	User      User           `json:"user"`
	Hostname  string         `json:"hostname"`
	Locale    string         `json:"locale"`
	Timezone  string         `json:"timezone"`
	RTCLocal  bool           `json:"rtc_local"` // hardware clock keeps local time
	Swap      Swap           `json:"swap"`

	// AutoPartition wipes Partition.Parent and lays out a fresh table.
	AutoPartition bool `json:"auto_partition,omitempty"`
	// Reformat forces the target filesystem to ext4 even when the existing
	// filesystem is one of the allowed kinds.
	Reformat bool `json:"reformat,omitempty"`
}

// URL is the full download URL of the selected release.
func (c *InstallConfig) URL() string {
	return c.Mirror.ResolveURL(c.Variant.RelativePath)
}

// Redacted returns a copy safe to log or persist.
func (c InstallConfig) Redacted() InstallConfig {
	if c.User.Password != "" {
		c.User.Password = "******"
	}
	if c.ESP != nil {
		esp := *c.ESP
		c.ESP = &esp
	}
	return c
}
