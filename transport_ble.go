package smp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

var characteristicSMPUUID, _ = bluetooth.ParseUUID("da2e7828-fbce-4e01-ae9e-261174997c48")

// defaultBLEMTU is the ATT payload size assumed before a real MTU exchange
// has happened. Most BLE stacks negotiate at least this much even on the
// default (unrequested) MTU of 23.
const defaultBLEMTU = 20

var _ Transport = (*BLETransport)(nil)

// BLETransport implements Transport over a Nordic/Zephyr SMP GATT service
// (service 8D53DC1D-1DB7-4CD3-868B-8A527460AA84, characteristic
// DA2E7828-FBCE-4E01-AE9E-261174997C48). Outbound fragments are sent as
// writes-with-response; inbound fragments arrive as notifications on the
// same characteristic and are reassembled here into complete datagrams
// before being handed to Receive.
type BLETransport struct {
	cfg BLETransportConfig

	adapter *bluetooth.Adapter
	device  bluetooth.Device

	smpCharacteristic bluetooth.DeviceCharacteristic

	mtu              int
	maxUnencodedSize int

	mu      sync.Mutex
	partial []byte        // bytes of the in-progress datagram, reassembled across notifications
	queue   [][]byte      // complete datagrams awaiting Receive
	notify  chan struct{} // signals queue is non-empty
	closed  bool
	closeCh chan struct{}
}

type BLETransportConfig struct {
	Name    string
	Address string
}

// NewBLETransport creates a BLETransport using DefaultConfig's default MTU
// as its conservative MaxUnencodedSize. Use NewBLETransportWithConfig to
// override it.
func NewBLETransport(cfg BLETransportConfig) (*BLETransport, error) {
	return NewBLETransportWithConfig(DefaultConfig(), cfg)
}

// NewBLETransportWithConfig creates a BLETransport whose MaxUnencodedSize
// default comes from config.DefaultMTU instead of DefaultConfig.
func NewBLETransportWithConfig(config Config, cfg BLETransportConfig) (*BLETransport, error) {
	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	return &BLETransport{
		adapter:          bluetooth.DefaultAdapter,
		cfg:              cfg,
		mtu:              defaultBLEMTU,
		maxUnencodedSize: config.DefaultMTU,
		notify:           make(chan struct{}, 1),
		closeCh:          make(chan struct{}),
	}, nil
}

// Connect implements Transport.
func (b *BLETransport) Connect(ctx context.Context) error {
	var found bool
	var deviceAddr bluetooth.Address

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := b.adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
		slog.Debug("smp: found ble device", "name", sr.LocalName(), "addr", sr.Address)

		nameMatch := b.cfg.Name != "" && sr.LocalName() == b.cfg.Name
		addrMatch := b.cfg.Address != "" && sr.Address.String() == b.cfg.Address

		if !nameMatch && !addrMatch {
			return
		}

		deviceAddr = sr.Address
		found = true

		cancel()
		_ = b.adapter.StopScan()
	})
	if err != nil {
		return fmt.Errorf("%w: start ble scan: %v", ErrTransportConnectionFailed, err)
	}

	slog.Info("smp: started ble scan", "params", b.cfg)

	<-scanCtx.Done()
	_ = b.adapter.StopScan()

	if !found {
		return fmt.Errorf("%w: device not found", ErrTransportConnectionFailed)
	}

	dev, err := b.adapter.Connect(deviceAddr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(10 * time.Second),
		Timeout:           bluetooth.NewDuration(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportConnectionFailed, err)
	}

	b.device = dev

	if err := b.setSMPCharacteristic(); err != nil {
		return fmt.Errorf("%w: discover smp characteristic: %v", ErrTransportConnectionFailed, err)
	}

	if err := b.enableNotifications(); err != nil {
		return fmt.Errorf("%w: enable notifications: %v", ErrTransportConnectionFailed, err)
	}

	return nil
}

// Disconnect implements Transport. Idempotent.
func (b *BLETransport) Disconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.closeCh)

	if err := b.device.Disconnect(); err != nil {
		return fmt.Errorf("smp: disconnect ble: %w", err)
	}
	return nil
}

// Initialize implements Transport. The ATT-layer MTU exchange happens during
// Connect; here we read back what was negotiated so Send can size fragments
// to it instead of the conservative default. A stack that cannot report the
// MTU keeps the default.
func (b *BLETransport) Initialize(ctx context.Context) error {
	mtu, err := b.smpCharacteristic.GetMTU()
	if err != nil {
		slog.Debug("smp: ble mtu not available, keeping default", "err", err)
		return nil
	}

	// 3 bytes of ATT header per write.
	payload := int(mtu) - 3
	if payload < defaultBLEMTU {
		payload = defaultBLEMTU
	}

	b.mu.Lock()
	b.mtu = payload
	b.mu.Unlock()

	return nil
}

// MTU implements Transport.
func (b *BLETransport) MTU() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mtu
}

// MaxUnencodedSize implements Transport. BLE carries raw SMP bytes with no
// additional encoding. This always returns the configured default; the
// transport does not update it from the device's mcumgr buffer size
// (Upgrade applies that size to its own chunk budget instead).
func (b *BLETransport) MaxUnencodedSize() int {
	return b.maxUnencodedSize
}

// Send implements Transport. It splits datagram into write-with-response
// chunks no larger than MTU.
func (b *BLETransport) Send(ctx context.Context, datagram []byte) error {
	mtu := b.MTU()

	for len(datagram) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := len(datagram)
		if n > mtu {
			n = mtu
		}

		if _, err := b.smpCharacteristic.Write(datagram[:n]); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportWriteFailed, err)
		}

		datagram = datagram[n:]
	}

	return nil
}

// Receive implements Transport, returning the next complete, reassembled
// SMP datagram delivered via notification.
func (b *BLETransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			datagram := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return datagram, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
			continue
		case <-b.closeCh:
			return nil, fmt.Errorf("%w", ErrTransportNotConnected)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *BLETransport) setSMPCharacteristic() error {
	services, err := b.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDSMP})
	if err != nil {
		return fmt.Errorf("get services: %w", err)
	}

	if len(services) != 1 {
		return errors.New("got no matching services")
	}

	smpService := services[0]

	chars, err := smpService.DiscoverCharacteristics([]bluetooth.UUID{characteristicSMPUUID})
	if err != nil {
		return fmt.Errorf("get characteristics: %w", err)
	}

	if len(chars) == 0 {
		return errors.New("characteristic not found")
	}

	b.smpCharacteristic = chars[0]

	return nil
}

// enableNotifications registers the notification callback that reassembles
// incoming bytes into complete SMP datagrams. Each notification payload is
// appended to a running buffer; once the buffer holds at least a full
// header, the declared header length tells us when the datagram is
// complete, at which point it's sliced off and queued for Receive.
func (b *BLETransport) enableNotifications() error {
	return b.smpCharacteristic.EnableNotifications(func(chunk []byte) {
		b.mu.Lock()
		b.partial = append(b.partial, chunk...)

		for {
			if len(b.partial) < HeaderSize {
				break
			}
			header, err := UnmarshalHeader(b.partial[:HeaderSize])
			if err != nil {
				slog.Warn("smp: ble reassembly: bad header, dropping buffer", "err", err)
				b.partial = nil
				break
			}

			total := HeaderSize + int(header.Length)
			if len(b.partial) < total {
				break // wait for more notifications
			}

			datagram := make([]byte, total)
			copy(datagram, b.partial[:total])
			b.partial = b.partial[total:]

			b.queue = append(b.queue, datagram)
		}
		b.mu.Unlock()

		select {
		case b.notify <- struct{}{}:
		default:
		}
	})
}
