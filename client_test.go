package smp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequestEchoRoundTrip(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	client := NewClient(ft)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	go func() {
		for {
			sent := ft.lastSent()
			if sent == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			reqFrame, err := UnmarshalFrame(sent)
			if err != nil {
				return
			}
			payload, _ := EncodeCBOR(EchoResponse{R: "hello"})
			respFrame := NewFrame(ResponseOp(reqFrame.Header.Op), reqFrame.Header.Group, reqFrame.Header.Sequence, reqFrame.Header.Command, payload)
			ft.queueResponse(respFrame.Marshal())
			return
		}
	}()

	var resp EchoResponse
	err := client.Request(ctx, EchoRequest{D: "hello"}, time.Second, &resp)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.R)
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	client := NewClient(ft)

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	var resp EchoResponse
	err := client.Request(ctx, EchoRequest{D: "hi"}, 20*time.Millisecond, &resp)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClientRequestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	client := NewClient(ft)

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	var resp EchoResponse
	err := client.Request(ctx, EchoRequest{D: "hi"}, 10*time.Millisecond, &resp)
	assert.ErrorIs(t, err, ErrTimeout)

	sent := ft.lastSent()
	require.NotNil(t, sent)
	reqFrame, err := UnmarshalFrame(sent)
	require.NoError(t, err)

	payload, _ := EncodeCBOR(EchoResponse{R: "too late"})
	respFrame := NewFrame(ResponseOp(reqFrame.Header.Op), reqFrame.Header.Group, reqFrame.Header.Sequence, reqFrame.Header.Command, payload)
	ft.queueResponse(respFrame.Marshal())

	// Give the receive loop a moment to drain and drop it; a second request
	// must not be corrupted by the stale delivery.
	time.Sleep(30 * time.Millisecond)

	go func() {
		for {
			sent := ft.lastSent()
			if sent == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			f, err := UnmarshalFrame(sent)
			if err != nil || f.Header.Sequence == reqFrame.Header.Sequence {
				time.Sleep(time.Millisecond)
				continue
			}
			payload, _ := EncodeCBOR(EchoResponse{R: "second"})
			respFrame := NewFrame(ResponseOp(f.Header.Op), f.Header.Group, f.Header.Sequence, f.Header.Command, payload)
			ft.queueResponse(respFrame.Marshal())
			return
		}
	}()

	var resp2 EchoResponse
	err = client.Request(ctx, EchoRequest{D: "again"}, time.Second, &resp2)
	require.NoError(t, err)
	assert.Equal(t, "second", resp2.R)
}

func TestClientRequestBadReturnCode(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	client := NewClient(ft)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	go func() {
		for {
			sent := ft.lastSent()
			if sent == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			f, _ := UnmarshalFrame(sent)
			payload, _ := EncodeCBOR(map[string]any{"rc": mgmtErrTooLarge})
			respFrame := NewFrame(ResponseOp(f.Header.Op), f.Header.Group, f.Header.Sequence, f.Header.Command, payload)
			ft.queueResponse(respFrame.Marshal())
			return
		}
	}()

	var resp ImageUploadResponse
	err := client.Request(ctx, ImageUploadRequest{Off: 0, Data: []byte("x")}, time.Second, &resp)

	var badRC *BadReturnCodeError
	require.ErrorAs(t, err, &badRC)
	assert.True(t, badRC.IsTooLarge())
}

func TestDecodeReturnCode(t *testing.T) {
	t.Parallel()

	t.Run("legacy top-level rc", func(t *testing.T) {
		payload, err := EncodeCBOR(map[string]any{"rc": 8})
		require.NoError(t, err)
		rc, group, ok := decodeReturnCode(payload)
		require.True(t, ok)
		assert.Equal(t, 8, rc)
		assert.Nil(t, group)
	})

	t.Run("nested err group and rc", func(t *testing.T) {
		payload, err := EncodeCBOR(map[string]any{"err": map[string]any{"group": 1, "rc": 3}})
		require.NoError(t, err)
		rc, group, ok := decodeReturnCode(payload)
		require.True(t, ok)
		assert.Equal(t, 3, rc)
		require.NotNil(t, group)
		assert.Equal(t, uint16(1), *group)
	})

	t.Run("success payload has no rc", func(t *testing.T) {
		payload, err := EncodeCBOR(EchoResponse{R: "ok"})
		require.NoError(t, err)
		_, _, ok := decodeReturnCode(payload)
		assert.False(t, ok)
	})
}

func TestClientRequestAllChunkedUpload(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	client := NewClient(ft)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	image := make([]byte, 100)
	for i := range image {
		image[i] = byte(i)
	}
	const chunkSize = 40

	go func() {
		for {
			raw, ok := ft.nextSentRequest(ctx)
			if !ok {
				return
			}
			f, err := UnmarshalFrame(raw)
			if err != nil {
				continue
			}
			req, _ := DecodeCBOR[ImageUploadRequest](f.Payload)
			resp := ImageUploadResponse{Off: req.Off + uint32(len(req.Data))}
			payload, _ := EncodeCBOR(resp)
			respFrame := NewFrame(ResponseOp(f.Header.Op), f.Header.Group, f.Header.Sequence, f.Header.Command, payload)
			ft.queueResponse(respFrame.Marshal())
		}
	}()

	// Each chunk's offset comes from the previous response's acknowledged
	// Off, the way an image upload advances.
	var acked []uint32
	err := client.RequestAll(ctx, time.Second, func(prev any) (Request, any, bool) {
		off := 0
		if prev != nil {
			r := prev.(*ImageUploadResponse)
			acked = append(acked, r.Off)
			off = int(r.Off)
		}
		if off >= len(image) {
			return nil, nil, false
		}
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		req := ImageUploadRequest{Off: uint32(off), Data: image[off:end]}
		if off == 0 {
			req.Len = uint32(len(image))
		}
		return req, &ImageUploadResponse{}, true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{40, 80, 100}, acked)
}

func TestClientRequestOutOfOrderSequencesCorrelateIndependently(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	client := NewClient(ft)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	request := func(d string, out chan<- string) {
		var resp EchoResponse
		if err := client.Request(ctx, EchoRequest{D: d}, time.Second, &resp); err != nil {
			out <- "error: " + err.Error()
			return
		}
		out <- resp.R
	}

	resultA := make(chan string, 1)
	resultB := make(chan string, 1)
	go request("a", resultA)
	go request("b", resultB)

	// Collect both requests before answering either, then answer them in
	// the reverse of the order they were sent.
	var sent []Frame
	for len(sent) < 2 {
		raw, ok := ft.nextSentRequest(ctx)
		require.True(t, ok, "timed out waiting for both requests to be sent")
		f, err := UnmarshalFrame(raw)
		require.NoError(t, err)
		sent = append(sent, f)
	}
	require.NotEqual(t, sent[0].Header.Sequence, sent[1].Header.Sequence)

	for i := len(sent) - 1; i >= 0; i-- {
		f := sent[i]
		req, err := DecodeCBOR[EchoRequest](f.Payload)
		require.NoError(t, err)
		payload, _ := EncodeCBOR(EchoResponse{R: req.D})
		respFrame := NewFrame(ResponseOp(f.Header.Op), f.Header.Group, f.Header.Sequence, f.Header.Command, payload)
		ft.queueResponse(respFrame.Marshal())
	}

	for _, tc := range []struct {
		want string
		got  chan string
	}{{"a", resultA}, {"b", resultB}} {
		select {
		case r := <-tc.got:
			assert.Equal(t, tc.want, r)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for the response to %q", tc.want)
		}
	}
}
