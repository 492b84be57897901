package smp

// Zephyr-specific management group (group 63) commands.
const (
	CmdZephyrStorageErase uint8 = 0
)

// StorageEraseRequest erases the device's designated settings/storage flash
// partition. Callers must issue this explicitly; the upgrade orchestrator
// never does so automatically.
type StorageEraseRequest struct{}

func (StorageEraseRequest) SMPOp() uint8      { return OpWriteRequest }
func (StorageEraseRequest) SMPGroup() uint16  { return GroupZephyr }
func (StorageEraseRequest) SMPCommand() uint8 { return CmdZephyrStorageErase }
func (r StorageEraseRequest) SMPPayload() any { return r }

// StorageEraseResponse is the decoded response to a StorageEraseRequest.
type StorageEraseResponse struct{}
