package smp

// Log management group (group 4) commands.
const (
	CmdLogShow       uint8 = 0
	CmdLogClear      uint8 = 1
	CmdLogAppend     uint8 = 2
	CmdLogModuleList uint8 = 3
	CmdLogLevelList  uint8 = 4
	CmdLogListLogs   uint8 = 5
)

// LogEntry is one record in a LogShowResponse.
type LogEntry struct {
	Msg       string `cbor:"msg"`
	Timestamp int64  `cbor:"ts"`
	Level     uint8  `cbor:"level"`
	Index     uint64 `cbor:"index"`
	Module    string `cbor:"module,omitempty"`
}

// LogShowRequest reads buffered log entries, optionally starting after
// Index (for incremental polling).
type LogShowRequest struct {
	LogName string `cbor:"log_name,omitempty"`
	Index   uint64 `cbor:"index,omitempty"`
}

func (LogShowRequest) SMPOp() uint8      { return OpReadRequest }
func (LogShowRequest) SMPGroup() uint16  { return GroupLog }
func (LogShowRequest) SMPCommand() uint8 { return CmdLogShow }
func (r LogShowRequest) SMPPayload() any { return r }

// LogShowLog is one named log's entries in a LogShowResponse.
type LogShowLog struct {
	Name    string     `cbor:"name"`
	Type    string     `cbor:"type"`
	Entries []LogEntry `cbor:"entries"`
}

// LogShowResponse is the decoded response to a LogShowRequest.
type LogShowResponse struct {
	NextIndex uint64       `cbor:"next_index"`
	Logs      []LogShowLog `cbor:"logs"`
}

// LogClearRequest clears every buffered log entry.
type LogClearRequest struct{}

func (LogClearRequest) SMPOp() uint8      { return OpWriteRequest }
func (LogClearRequest) SMPGroup() uint16  { return GroupLog }
func (LogClearRequest) SMPCommand() uint8 { return CmdLogClear }
func (r LogClearRequest) SMPPayload() any { return r }
