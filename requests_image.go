package smp

// Image management group (group 1) commands.
const (
	CmdImageState    uint8 = 0
	CmdImageUpload   uint8 = 1
	CmdImageFile     uint8 = 2
	CmdImageCorelist uint8 = 3
	CmdImageCoreload uint8 = 4
	CmdImageErase    uint8 = 5
)

// ImageSlotInfo describes one flash slot in an ImageStateResponse.
type ImageSlotInfo struct {
	Image     uint8   `cbor:"image,omitempty"`
	Slot      uint8   `cbor:"slot"`
	Version   string  `cbor:"version"`
	Hash      []byte  `cbor:"hash,omitempty"`
	Bootable  bool    `cbor:"bootable"`
	Pending   bool    `cbor:"pending"`
	Confirmed bool    `cbor:"confirmed"`
	Active    bool    `cbor:"active"`
	Permanent bool    `cbor:"permanent"`
	// Off is the byte offset of a partially uploaded image already present
	// in this slot, reported so an interrupted upload can resume without
	// re-sending data the device already has. Absent once the slot holds no
	// partial upload (empty, or a fully uploaded image).
	Off *uint32 `cbor:"off,omitempty"`
}

// ImageStateReadRequest reads the current state of every flash slot.
type ImageStateReadRequest struct{}

func (ImageStateReadRequest) SMPOp() uint8      { return OpReadRequest }
func (ImageStateReadRequest) SMPGroup() uint16  { return GroupImage }
func (ImageStateReadRequest) SMPCommand() uint8 { return CmdImageState }
func (r ImageStateReadRequest) SMPPayload() any { return r }

// ImageStateResponse is the decoded response to an ImageStateReadRequest,
// and also the response shape for ImageStateWriteRequest.
type ImageStateResponse struct {
	Images     []ImageSlotInfo `cbor:"images"`
	SplitStatus int            `cbor:"splitStatus,omitempty"`
}

// ImageStateWriteRequest marks the slot holding Hash as the one to boot on
// the next reset (test, unless Confirm is set).
type ImageStateWriteRequest struct {
	Hash    []byte `cbor:"hash"`
	Confirm bool   `cbor:"confirm,omitempty"`
}

func (ImageStateWriteRequest) SMPOp() uint8      { return OpWriteRequest }
func (ImageStateWriteRequest) SMPGroup() uint16  { return GroupImage }
func (ImageStateWriteRequest) SMPCommand() uint8 { return CmdImageState }
func (r ImageStateWriteRequest) SMPPayload() any { return r }

// ImageUploadRequest is one chunk of a firmware image upload. Off is the
// byte offset of Data within the image; Len and Sha are present only on the
// first chunk (Off == 0), matching Zephyr's img_mgmt upload protocol.
type ImageUploadRequest struct {
	Off     uint32 `cbor:"off"`
	Data    []byte `cbor:"data"`
	Image   uint8  `cbor:"image,omitempty"`
	Len     uint32 `cbor:"len,omitempty"`
	Sha     []byte `cbor:"sha,omitempty"`
	Upgrade bool   `cbor:"upgrade,omitempty"`
}

func (ImageUploadRequest) SMPOp() uint8      { return OpWriteRequest }
func (ImageUploadRequest) SMPGroup() uint16  { return GroupImage }
func (ImageUploadRequest) SMPCommand() uint8 { return CmdImageUpload }
func (r ImageUploadRequest) SMPPayload() any { return r }

// ImageUploadResponse is the decoded response to an ImageUploadRequest. Off
// is the offset the device expects next, which may differ from what the
// client sent if a chunk is rejected or the device resumes from a partial
// transfer after reconnect.
type ImageUploadResponse struct {
	Off   uint32 `cbor:"off"`
	Match *bool  `cbor:"match,omitempty"`
}

// ImageEraseRequest erases the inactive image slot.
type ImageEraseRequest struct {
	Slot uint8 `cbor:"slot,omitempty"`
}

func (ImageEraseRequest) SMPOp() uint8      { return OpWriteRequest }
func (ImageEraseRequest) SMPGroup() uint16  { return GroupImage }
func (ImageEraseRequest) SMPCommand() uint8 { return CmdImageErase }
func (r ImageEraseRequest) SMPPayload() any { return r }

// ImageEraseResponse is the decoded response to an ImageEraseRequest.
type ImageEraseResponse struct{}
