package smp

// Statistics management group (group 2) commands.
const (
	CmdStatGroupData  uint8 = 0
	CmdStatListGroups uint8 = 1
)

// StatGroupDataRequest reads every counter in the named statistics group.
type StatGroupDataRequest struct {
	Name string `cbor:"name"`
}

func (StatGroupDataRequest) SMPOp() uint8      { return OpReadRequest }
func (StatGroupDataRequest) SMPGroup() uint16  { return GroupStat }
func (StatGroupDataRequest) SMPCommand() uint8 { return CmdStatGroupData }
func (r StatGroupDataRequest) SMPPayload() any { return r }

// StatGroupDataResponse is the decoded response to a StatGroupDataRequest.
type StatGroupDataResponse struct {
	Name   string           `cbor:"name"`
	Fields map[string]int64 `cbor:"fields"`
}

// StatListGroupsRequest lists the names of every statistics group the
// device exposes.
type StatListGroupsRequest struct{}

func (StatListGroupsRequest) SMPOp() uint8      { return OpReadRequest }
func (StatListGroupsRequest) SMPGroup() uint16  { return GroupStat }
func (StatListGroupsRequest) SMPCommand() uint8 { return CmdStatListGroups }
func (r StatListGroupsRequest) SMPPayload() any { return r }

// StatListGroupsResponse is the decoded response to a StatListGroupsRequest.
type StatListGroupsResponse struct {
	StatList []string `cbor:"stat_list"`
}
