package smp

// Shell management group (group 9) commands.
const (
	CmdShellExec uint8 = 0
)

// ShellExecRequest runs argv as a device shell command line.
type ShellExecRequest struct {
	Argv []string `cbor:"argv"`
}

func (ShellExecRequest) SMPOp() uint8      { return OpWriteRequest }
func (ShellExecRequest) SMPGroup() uint16  { return GroupShell }
func (ShellExecRequest) SMPCommand() uint8 { return CmdShellExec }
func (r ShellExecRequest) SMPPayload() any { return r }

// ShellExecResponse is the decoded response to a ShellExecRequest.
type ShellExecResponse struct {
	Ret uint8  `cbor:"ret"`
	O   string `cbor:"o"`
}
