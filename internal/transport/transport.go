// Package transport defines the adapter contracts: minimal,
// cancellation-aware interfaces for reaching build servers, virt hosts,
// and boards. Every operation is pluggable and mockable; the core never
// depends on which implementation is wired in.
package transport

import (
	"context"
	"time"
)

// Credentials references an asset's access credentials; the opaque Ref
// is resolved by whichever adapter implementation is wired in.
type Credentials struct {
	Ref string
}

// Session is an opaque handle returned by RemoteShell.Connect.
type Session struct {
	ID   string
	Host string
}

// ExecResult is the outcome of a remote command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// TransferResult is the outcome of an upload/download.
type TransferResult struct {
	Bytes  int64
	SHA256 string
}

// RemoteShell is the remote-shell adapter contract. Neither implementation
// here pools connections: each Connect returns a fresh session, and there
// is no pool-size setting. LocalShell.Exec retries transport errors (never
// non-zero exit codes) with exponential backoff up to a configured cap;
// MockShell does not retry.
type RemoteShell interface {
	Connect(ctx context.Context, creds Credentials, host string) (Session, error)
	Exec(ctx context.Context, sess Session, command string, timeout time.Duration, env map[string]string) (ExecResult, error)
	Upload(ctx context.Context, sess Session, localPath, remotePath string) (TransferResult, error)
	Download(ctx context.Context, sess Session, remotePath, localPath string) (TransferResult, error)
	Validate(ctx context.Context, creds Credentials, host string) (bool, error)
	Close(sess Session) error
}

// GuestConfig describes a guest VM to create.
type GuestConfig struct {
	Name      string
	VCPUs     int
	MemoryMB  int
	KernelPath string
	InitrdPath string
	RootfsPath string
}

// GuestInfo is the state of a guest VM as reported by the virt host.
type GuestInfo struct {
	Name    string
	Running bool
}

// VirtCapabilities describes what a virt host can run.
type VirtCapabilities struct {
	Arch           string
	Cores          int
	MemoryMB       int
	HardwareAssist bool
	Nested         bool
}

// VirtHost is the virtualization-host adapter contract.
type VirtHost interface {
	ListGuests(ctx context.Context, sess Session, includeStopped bool) ([]GuestInfo, error)
	CreateGuest(ctx context.Context, sess Session, cfg GuestConfig) (GuestInfo, error)
	DestroyGuest(ctx context.Context, sess Session, name string, undefine bool) error
	Capabilities(ctx context.Context, sess Session) (VirtCapabilities, error)
}

// SerialConfig parameterizes a serial console connection.
type SerialConfig struct {
	Device string
	Baud   int
	Parity string
	Stop   int
	Data   int
}

// Serial is the serial-console adapter contract.
type Serial interface {
	Open(ctx context.Context, cfg SerialConfig) error
	Exec(ctx context.Context, cfg SerialConfig, command string, timeout time.Duration, promptPattern string) (ok bool, output string, duration time.Duration, err error)
	ReadUntil(ctx context.Context, cfg SerialConfig, pattern string, timeout time.Duration) (string, error)
	SendBreak(ctx context.Context, cfg SerialConfig) error
	Close(cfg SerialConfig) error
}

// PowerCycleResult reports the outcome of a power-cycle operation.
type PowerCycleResult struct {
	OffOK     bool
	OnOK      bool
	Recovered bool
}

// Power is the out-of-band power-control adapter contract. Only
// usb-hub/pdu/gpio methods are automatable; manual always fails to
// command automatically.
type Power interface {
	On(ctx context.Context, id string, method string, locator string) error
	Off(ctx context.Context, id string, method string, locator string) error
	Cycle(ctx context.Context, id string, method string, locator string, settleDelay time.Duration) (PowerCycleResult, error)
}

// FlashProgress reports in-flight flashing state.
type FlashProgress struct {
	Phase             string
	Percent           float64
	BytesWritten      int64
	RemainingSeconds  int
}

// FlashStation is the board-flashing adapter contract.
type FlashStation interface {
	Flash(ctx context.Context, boardID string, firmwarePath string, stationCreds Credentials, boardType string, verify bool) (ok bool, bytes int64, duration time.Duration, verified bool, err error)
	Cancel(ctx context.Context, boardID string) error
	Progress(ctx context.Context, boardID string) (FlashProgress, error)
}

// Adapters bundles every adapter contract; components depend on this instead
// of importing a specific backend package, so mock and real
// implementations can be swapped at start-up by configuration alone.
type Adapters struct {
	Shell  RemoteShell
	Virt   VirtHost
	Serial Serial
	Power  Power
	Flash  FlashStation
}
