package smp

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/smp-go/smpclient/internal/mcuboot"
)

// UpgradeState names a state in the firmware upgrade state machine Upgrade
// drives the device through.
type UpgradeState string

const (
	StateIdle         UpgradeState = "idle"
	StateProbingMTU   UpgradeState = "probing_mtu"
	StateUploading    UpgradeState = "uploading"
	StateWaitingSwap  UpgradeState = "waiting_swap"
	StateReconnecting UpgradeState = "reconnecting"
	StateConfirming   UpgradeState = "confirming"
	StateDone         UpgradeState = "done"
	StateFailed       UpgradeState = "failed"
)

// Progress is one progress update emitted by Upgrade via
// UpgradeOptions.OnProgress.
type Progress struct {
	State         UpgradeState
	BytesUploaded int
	TotalBytes    int
}

// UpgradeOptions configures Upgrade. The zero value uses sane defaults.
type UpgradeOptions struct {
	// Slot is the flash slot to upload to; 0 selects the device default.
	Slot uint8

	// Confirm is sent as the upgrade flag of the first upload chunk. It does
	// not change the test-then-confirm sequence: Upgrade always marks the
	// image for test before the reset and confirms it once the device is
	// back, whatever Confirm is set to.
	Confirm bool

	// FirstChunkTimeout/ChunkTimeout override the per-chunk upload timeouts;
	// zero uses DefaultTimeoutBLE for the first chunk and DefaultTimeoutUDP
	// for the rest.
	FirstChunkTimeout time.Duration
	ChunkTimeout      time.Duration

	// ReconnectDeadline bounds how long Upgrade waits for the device to
	// come back after reset. Defaults to 60s.
	ReconnectDeadline time.Duration

	// OnProgress, if set, is called synchronously after each successful
	// step with the current state and byte counts.
	OnProgress func(Progress)
}

func (o UpgradeOptions) withDefaults() UpgradeOptions {
	if o.FirstChunkTimeout == 0 {
		o.FirstChunkTimeout = DefaultTimeoutBLE
	}
	if o.ChunkTimeout == 0 {
		o.ChunkTimeout = DefaultTimeoutUDP
	}
	if o.ReconnectDeadline == 0 {
		o.ReconnectDeadline = DefaultConfig().UpgradeDeadline()
	}
	return o
}

// Upgrade drives image through the full upgrade sequence: probe the chunk
// size, upload, mark the new image for test boot, reset, reconnect, and
// confirm. The server's authoritative reported offset drives every next
// upload chunk, so there is never more than one unacknowledged upload
// request outstanding.
func Upgrade(ctx context.Context, client *Client, image []byte, opts UpgradeOptions) error {
	opts = opts.withDefaults()
	report := func(state UpgradeState, uploaded int) {
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{State: state, BytesUploaded: uploaded, TotalBytes: len(image)})
		}
	}

	hdr, err := mcuboot.ParseHeader(image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if int(hdr.ImgSize)+int(hdr.HdrSize) > len(image) {
		return fmt.Errorf("%w: header declares %d bytes, image is %d", ErrInvalidImage, hdr.ImgSize, len(image))
	}

	sum := sha256.Sum256(image)
	hash := sum[:]

	report(StateProbingMTU, 0)
	maxChunk := probeChunkSize(ctx, client)

	report(StateUploading, 0)
	if err := uploadImage(ctx, client, image, hash, opts, maxChunk, report); err != nil {
		return err
	}

	report(StateWaitingSwap, len(image))
	if err := markForTest(ctx, client, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrUpgradeUploadFailed, err)
	}
	resetDevice(ctx, client)

	report(StateReconnecting, len(image))
	if err := reconnect(ctx, client, opts.ReconnectDeadline); err != nil {
		return fmt.Errorf("%w: %w", ErrUpgradeResetFailed, err)
	}

	report(StateConfirming, len(image))
	if err := confirmImage(ctx, client, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrUpgradeConfirmFailed, err)
	}

	report(StateDone, len(image))
	return nil
}

// probeChunkSize estimates a safe CBOR-encoded upload chunk size. It reads
// image state (warming the connection and confirming the device answers),
// then best-effort queries the device's mcumgr buffer size; when the device
// won't say, the transport's advertised MaxUnencodedSize stands. The upload
// loop still halves the chunk reactively if the device rejects it as too
// large, so an over-optimistic answer here only costs one retry.
func probeChunkSize(ctx context.Context, client *Client) int {
	var state ImageStateResponse
	_ = client.Request(ctx, ImageStateReadRequest{}, DefaultTimeoutUDP, &state)

	budget := client.Transport().MaxUnencodedSize()

	var params MCUMgrParamsResponse
	if err := client.Request(ctx, MCUMgrParamsRequest{}, DefaultTimeoutUDP, &params); err == nil {
		if int(params.BufSize) > 0 && int(params.BufSize) < budget {
			budget = int(params.BufSize)
		}
	}

	// Conservative estimate of non-data CBOR overhead: map header, "off",
	// "data" byte-string header, "len", "sha", "image", "upgrade" keys and
	// values on the first chunk.
	const cborOverhead = 80
	chunk := budget - HeaderSize - cborOverhead
	if chunk < 32 {
		chunk = 32
	}
	return chunk
}

func uploadImage(ctx context.Context, client *Client, image []byte, hash []byte, opts UpgradeOptions, maxChunk int, report func(UpgradeState, int)) error {
	off := 0
	chunkSize := maxChunk
	first := true

	for off < len(image) {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}

		req := ImageUploadRequest{
			Off:  uint32(off),
			Data: image[off:end],
		}
		if off == 0 {
			req.Len = uint32(len(image))
			req.Sha = hash
			req.Image = opts.Slot
			req.Upgrade = opts.Confirm
		}

		timeout := opts.ChunkTimeout
		if first {
			timeout = opts.FirstChunkTimeout
		}

		var resp ImageUploadResponse
		err := client.Request(ctx, req, timeout, &resp)

		if err != nil {
			var badRC *BadReturnCodeError
			if errors.As(err, &badRC) {
				if badRC.IsTooLarge() {
					chunkSize /= 2
					if chunkSize < 32 {
						return fmt.Errorf("%w: chunk size exhausted", ErrUpgradeUploadFailed)
					}
					continue
				}
				return fmt.Errorf("%w: %v", ErrUpgradeUploadFailed, err)
			}

			// A transport-level error (dropped link, read/write failure)
			// rather than a device-reported rejection. Reconnect and resume
			// from wherever the device says it actually got to, instead of
			// failing the whole upgrade over a recoverable disconnect.
			resumeOff, resumeErr := reconnectAndResumeUpload(ctx, client, opts)
			if resumeErr != nil {
				return fmt.Errorf("%w: %v", ErrUpgradeUploadFailed, resumeErr)
			}
			off = resumeOff
			first = true
			report(StateUploading, off)
			continue
		}

		first = false
		off = int(resp.Off)
		report(StateUploading, off)

		if resp.Match != nil && !*resp.Match {
			return fmt.Errorf("%w: server reports sha256 mismatch", ErrUpgradeHashMismatch)
		}
	}

	return nil
}

// reconnectAndResumeUpload reconnects client after a transport failure mid
// upload and reads back image/state to discover the byte offset the device
// actually has, so the caller can resume the upload from there instead of
// re-sending data the device already has or skipping data it doesn't.
func reconnectAndResumeUpload(ctx context.Context, client *Client, opts UpgradeOptions) (int, error) {
	if err := reconnect(ctx, client, opts.ReconnectDeadline); err != nil {
		return 0, fmt.Errorf("reconnect after upload disconnect: %w", err)
	}

	var state ImageStateResponse
	if err := client.Request(ctx, ImageStateReadRequest{}, DefaultTimeoutUDP, &state); err != nil {
		return 0, fmt.Errorf("read image state after reconnect: %w", err)
	}

	for _, img := range state.Images {
		if img.Image == opts.Slot {
			return imageSlotOffset(img), nil
		}
	}
	if len(state.Images) > 0 {
		return imageSlotOffset(state.Images[0]), nil
	}

	return 0, fmt.Errorf("smp: no slot reported in image state after reconnect")
}

// imageSlotOffset reports how many bytes of the in-progress upload the slot
// already holds. A slot with no partial upload reported (empty or already
// complete) resumes from the start.
func imageSlotOffset(slot ImageSlotInfo) int {
	if slot.Off != nil {
		return int(*slot.Off)
	}
	return 0
}

func markForTest(ctx context.Context, client *Client, hash []byte) error {
	var resp ImageStateResponse
	return client.Request(ctx, ImageStateWriteRequest{Hash: hash, Confirm: false}, DefaultTimeoutUDP, &resp)
}

// resetDevice issues os/reset and tolerates the device disconnecting before
// the response arrives.
func resetDevice(ctx context.Context, client *Client) {
	var resp ResetResponse
	_ = client.Request(ctx, ResetRequest{}, DefaultTimeoutUDP, &resp)
}

// reconnect polls the transport with exponential back-off until it
// reconnects or deadline elapses.
func reconnect(ctx context.Context, client *Client, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second
	connectTimeout := DefaultConfig().ConnectTimeout()

	for {
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, connectTimeout)
		err := client.Connect(attemptCtx)
		cancelAttempt()
		if err == nil {
			return nil
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUpgradeDeadlineExceeded, ctx.Err())
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// confirmImage checks that the new image is active and, once it is,
// confirms it.
func confirmImage(ctx context.Context, client *Client, hash []byte) error {
	var state ImageStateResponse
	if err := client.Request(ctx, ImageStateReadRequest{}, DefaultTimeoutUDP, &state); err != nil {
		return err
	}

	for _, img := range state.Images {
		if !bytesEqual(img.Hash, hash) {
			continue
		}
		if !img.Active {
			return fmt.Errorf("smp: uploaded image not active after reset")
		}
		if img.Confirmed {
			return nil
		}

		var resp ImageStateResponse
		return client.Request(ctx, ImageStateWriteRequest{Hash: hash, Confirm: true}, DefaultTimeoutUDP, &resp)
	}

	return fmt.Errorf("smp: uploaded image not found in image state after reset")
}
