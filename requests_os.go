package smp

// OS management group (group 0) commands.
const (
	CmdOSEcho           uint8 = 0
	CmdOSConsoleEcho    uint8 = 1
	CmdOSTaskStats      uint8 = 2
	CmdOSMemPoolStats   uint8 = 3
	CmdOSDateTime       uint8 = 4
	CmdOSReset          uint8 = 5
	CmdOSMCUMgrParams   uint8 = 6
	CmdOSInfo           uint8 = 7
	CmdOSBootloaderInfo uint8 = 8
)

// EchoRequest requests the server echo back d.
type EchoRequest struct {
	D string `cbor:"d"`
}

func (EchoRequest) SMPOp() uint8      { return OpWriteRequest }
func (EchoRequest) SMPGroup() uint16  { return GroupOS }
func (EchoRequest) SMPCommand() uint8 { return CmdOSEcho }
func (r EchoRequest) SMPPayload() any { return r }

// EchoResponse is the decoded response to an EchoRequest.
type EchoResponse struct {
	R string `cbor:"r"`
}

// ResetRequest requests a device reset. The wire field is a CBOR bool, as
// accepted by Zephyr's mcumgr.
type ResetRequest struct {
	Force bool `cbor:"force,omitempty"`
}

func (ResetRequest) SMPOp() uint8      { return OpWriteRequest }
func (ResetRequest) SMPGroup() uint16  { return GroupOS }
func (ResetRequest) SMPCommand() uint8 { return CmdOSReset }
func (r ResetRequest) SMPPayload() any { return r }

// ResetResponse is the decoded response to a ResetRequest. The device may
// disconnect before sending one, so callers should treat a timeout on this
// request as a likely-successful reset, not a hard failure.
type ResetResponse struct{}

// OSInfoRequest queries OS/image info with a format query string q (e.g.
// "s" for system info, "a" for all).
type OSInfoRequest struct {
	Q string `cbor:"q,omitempty"`
}

func (OSInfoRequest) SMPOp() uint8      { return OpReadRequest }
func (OSInfoRequest) SMPGroup() uint16  { return GroupOS }
func (OSInfoRequest) SMPCommand() uint8 { return CmdOSInfo }
func (r OSInfoRequest) SMPPayload() any { return r }

// OSInfoResponse is the decoded response to an OSInfoRequest.
type OSInfoResponse struct {
	R string `cbor:"r"`
}

// MCUMgrParamsRequest queries the device's mcumgr buffer parameters, used by
// the upgrade orchestrator's best-effort MTU discovery.
type MCUMgrParamsRequest struct{}

func (MCUMgrParamsRequest) SMPOp() uint8      { return OpReadRequest }
func (MCUMgrParamsRequest) SMPGroup() uint16  { return GroupOS }
func (MCUMgrParamsRequest) SMPCommand() uint8 { return CmdOSMCUMgrParams }
func (r MCUMgrParamsRequest) SMPPayload() any { return r }

// MCUMgrParamsResponse is the decoded response to an MCUMgrParamsRequest.
type MCUMgrParamsResponse struct {
	BufSize  uint32 `cbor:"buf_size"`
	BufCount uint32 `cbor:"buf_count"`
}

// TaskStatsRequest requests per-task runtime statistics.
type TaskStatsRequest struct{}

func (TaskStatsRequest) SMPOp() uint8      { return OpReadRequest }
func (TaskStatsRequest) SMPGroup() uint16  { return GroupOS }
func (TaskStatsRequest) SMPCommand() uint8 { return CmdOSTaskStats }
func (r TaskStatsRequest) SMPPayload() any { return r }

// TaskStatsEntry describes one task in a TaskStatsResponse.
type TaskStatsEntry struct {
	Priority     uint8  `cbor:"prio"`
	TaskID       uint8  `cbor:"tid"`
	State        uint8  `cbor:"state"`
	StackUse     uint32 `cbor:"stkuse"`
	StackSize    uint32 `cbor:"stksiz"`
	ContextSwCnt uint32 `cbor:"cswcnt"`
	RunTime      uint32 `cbor:"runtime"`
}

// TaskStatsResponse is the decoded response to a TaskStatsRequest.
type TaskStatsResponse struct {
	Tasks map[string]TaskStatsEntry `cbor:"tasks"`
}

// DateTimeReadRequest reads the device's current date/time.
type DateTimeReadRequest struct{}

func (DateTimeReadRequest) SMPOp() uint8      { return OpReadRequest }
func (DateTimeReadRequest) SMPGroup() uint16  { return GroupOS }
func (DateTimeReadRequest) SMPCommand() uint8 { return CmdOSDateTime }
func (r DateTimeReadRequest) SMPPayload() any { return r }

// DateTimeResponse is the decoded response to a DateTimeReadRequest, and
// also the payload shape for DateTimeWriteRequest.
type DateTimeResponse struct {
	DateTime string `cbor:"datetime"`
}

// DateTimeWriteRequest sets the device's current date/time, formatted per
// RFC 3339 with microsecond precision (the format Zephyr's os_mgmt expects).
type DateTimeWriteRequest struct {
	DateTime string `cbor:"datetime"`
}

func (DateTimeWriteRequest) SMPOp() uint8      { return OpWriteRequest }
func (DateTimeWriteRequest) SMPGroup() uint16  { return GroupOS }
func (DateTimeWriteRequest) SMPCommand() uint8 { return CmdOSDateTime }
func (r DateTimeWriteRequest) SMPPayload() any { return r }

// MemPoolStatsRequest requests per-pool memory statistics.
type MemPoolStatsRequest struct{}

func (MemPoolStatsRequest) SMPOp() uint8      { return OpReadRequest }
func (MemPoolStatsRequest) SMPGroup() uint16  { return GroupOS }
func (MemPoolStatsRequest) SMPCommand() uint8 { return CmdOSMemPoolStats }
func (r MemPoolStatsRequest) SMPPayload() any { return r }

// MemPoolStatsEntry describes one memory pool in a MemPoolStatsResponse.
type MemPoolStatsEntry struct {
	BlockSize uint32 `cbor:"blksiz"`
	Blocks    uint32 `cbor:"nblks"`
	Free      uint32 `cbor:"nfree"`
	Min       uint32 `cbor:"min"`
}

// MemPoolStatsResponse is the decoded response to a MemPoolStatsRequest,
// keyed by pool name.
type MemPoolStatsResponse struct {
	MemPools map[string]MemPoolStatsEntry `cbor:"mpools"`
}

// BootloaderInfoRequest queries bootloader details, optionally narrowed by
// Query (e.g. "mode" on MCUboot).
type BootloaderInfoRequest struct {
	Query string `cbor:"query,omitempty"`
}

func (BootloaderInfoRequest) SMPOp() uint8      { return OpReadRequest }
func (BootloaderInfoRequest) SMPGroup() uint16  { return GroupOS }
func (BootloaderInfoRequest) SMPCommand() uint8 { return CmdOSBootloaderInfo }
func (r BootloaderInfoRequest) SMPPayload() any { return r }

// BootloaderInfoResponse is the decoded response to a BootloaderInfoRequest.
// Bootloader is set when no query was given; Mode answers a "mode" query.
type BootloaderInfoResponse struct {
	Bootloader string `cbor:"bootloader,omitempty"`
	Mode       int    `cbor:"mode,omitempty"`
}
