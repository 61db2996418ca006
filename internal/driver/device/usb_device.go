// internal/driver/device/usb_device.go
// USB communication with ZTEX 1.15x FPGA modules over vendor control requests
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

const (
	ztexDescriptorSize = 40
	hashInfoSize       = 64
	fpgaStateSize      = 9

	reqTypeOut = 0x40
	reqTypeIn  = 0xc0
)

// USBDevice is a Channel backed by one ZTEX board on the USB bus.
type USBDevice struct {
	device *gousb.Device
	desc   Descriptor
	repr   string
}

// Scanner enumerates ZTEX boards. It owns the libusb context; boards it opened
// must be closed before the scanner.
type Scanner struct {
	ctx     *gousb.Context
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewScanner(timeout time.Duration, log logrus.FieldLogger) *Scanner {
	if timeout <= 0 {
		timeout = ControlTimeout
	}
	return &Scanner{
		ctx:     gousb.NewContext(),
		timeout: timeout,
		log:     log,
	}
}

func (s *Scanner) Close() error {
	return s.ctx.Close()
}

// Scan opens every attached ZTEX board and reads its descriptors. Boards that
// fail preparation are closed and skipped.
func (s *Scanner) Scan() ([]*USBDevice, error) {
	devs, err := s.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(USBVendorID) && desc.Product == gousb.ID(USBProductID)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if err != nil {
		s.log.WithError(err).Warn("some USB devices could not be opened")
	}

	var boards []*USBDevice
	for _, dev := range devs {
		dev.ControlTimeout = s.timeout
		board, err := prepareUSBDevice(dev)
		if err != nil {
			s.log.WithError(err).WithField("bus", fmt.Sprintf("%d:%d", dev.Desc.Bus, dev.Desc.Address)).
				Warn("skipping ZTEX device")
			dev.Close()
			continue
		}
		boards = append(boards, board)
	}
	return boards, nil
}

func prepareUSBDevice(dev *gousb.Device) (*USBDevice, error) {
	buf := make([]byte, ztexDescriptorSize)
	n, err := dev.Control(reqTypeIn, ReqZtexDescriptor, 0, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("read ztex descriptor: %w", err)
	}
	if err := checkZtexDescriptor(buf[:n]); err != nil {
		return nil, err
	}

	info := make([]byte, hashInfoSize)
	n, err = dev.Control(reqTypeIn, ReqHashDataInfo, 0, 0, info)
	if err != nil {
		return nil, fmt.Errorf("read bitstream info: %w", err)
	}
	desc, err := parseHashInfo(info[:n])
	if err != nil {
		return nil, err
	}

	fpgas := make([]byte, 3)
	n, err = dev.Control(reqTypeIn, ReqNumberOfFpgas, 0, 0, fpgas)
	switch {
	case err != nil:
		return nil, fmt.Errorf("read fpga count: %w", err)
	case n < 1:
		desc.NumberOfFpgas = 1
	default:
		desc.NumberOfFpgas = int(fpgas[0]) + 1
	}

	serial, err := dev.SerialNumber()
	if err != nil {
		return nil, fmt.Errorf("read serial number: %w", err)
	}
	desc.Serial = serial

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	return &USBDevice{
		device: dev,
		desc:   desc,
		repr:   "ZTEX " + serial,
	}, nil
}

func checkZtexDescriptor(buf []byte) error {
	if len(buf) < ztexDescriptorSize || buf[0] != ztexDescriptorSize || buf[1] != 1 {
		return errors.New("not a ztex device: bad descriptor")
	}
	if string(buf[2:6]) != "ZTEX" {
		return errors.New("not a ztex device: bad magic")
	}
	return nil
}

// parseHashInfo decodes the bitstream descriptor (request 0x82).
func parseHashInfo(buf []byte) (Descriptor, error) {
	if len(buf) < 11 {
		return Descriptor{}, fmt.Errorf("bitstream info too short: %d bytes", len(buf))
	}

	version := buf[0]
	d := Descriptor{
		NumNonces:        int(buf[1]) + 1,
		OffsNonces:       uint32(int32(binary.LittleEndian.Uint16(buf[2:4])) - 10000),
		FreqM1:           float64(binary.LittleEndian.Uint16(buf[4:6])) * 0.01,
		FreqM:            int(buf[6]),
		FreqMaxM:         int(buf[7]),
		HashesPerClock:   1.0,
		SuspendSupported: version == 5,
		NumberOfFpgas:    1,
	}
	d.FreqMDefault = d.FreqM
	if version > 2 {
		d.HashesPerClock = float64(uint32(binary.LittleEndian.Uint16(buf[8:10]))+1) / 128.0
	}
	if version > 4 {
		d.ExtraSolutions = int(buf[10])
	}
	return d, nil
}

// decodeHashData splits a read-back buffer into per-slot results. Golden and
// running nonces are reported offset by offsNonces; the hash word is not.
func decodeHashData(buf []byte, desc Descriptor) ([]HashData, error) {
	slotSize := 12 + 4*desc.ExtraSolutions
	if len(buf) < slotSize*desc.NumNonces {
		return nil, fmt.Errorf("short hash data read: got %d bytes, want %d", len(buf), slotSize*desc.NumNonces)
	}

	out := make([]HashData, desc.NumNonces)
	for i := range out {
		slot := buf[i*slotSize:]
		hd := HashData{
			GoldenNonce: make([]uint32, desc.ExtraSolutions+1),
			Nonce:       binary.LittleEndian.Uint32(slot[4:8]) - desc.OffsNonces,
			Hash7:       binary.LittleEndian.Uint32(slot[8:12]),
		}
		hd.GoldenNonce[0] = binary.LittleEndian.Uint32(slot[0:4]) - desc.OffsNonces
		for j := 0; j < desc.ExtraSolutions; j++ {
			hd.GoldenNonce[j+1] = binary.LittleEndian.Uint32(slot[12+4*j:]) - desc.OffsNonces
		}
		out[i] = hd
	}
	return out, nil
}

func (d *USBDevice) Descriptor() Descriptor {
	return d.desc
}

func (d *USBDevice) String() string {
	return d.repr
}

func (d *USBDevice) SelectFpga(n int) error {
	if _, err := d.device.Control(reqTypeOut, ReqSelectFpga, uint16(n), 0, nil); err != nil {
		return fmt.Errorf("select fpga %d: %w", n, err)
	}
	return nil
}

func (d *USBDevice) SendHashData(payload []byte) error {
	n, err := d.device.Control(reqTypeOut, ReqSendHashData, 0, 0, payload)
	if err != nil {
		return fmt.Errorf("USB write failed: %w", err)
	}
	if n != len(payload) {
		return fmt.Errorf("USB write short: %d of %d bytes", n, len(payload))
	}
	return nil
}

func (d *USBDevice) ReadHashData() ([]HashData, error) {
	buf := make([]byte, (12+4*d.desc.ExtraSolutions)*d.desc.NumNonces)
	n, err := d.device.Control(reqTypeIn, ReqReadHashData, 0, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("USB read failed: %w", err)
	}
	return decodeHashData(buf[:n], d.desc)
}

func (d *USBDevice) SetFreq(step int) error {
	// The operator clock range may raise the ceiling above the bitstream's
	// own FreqMaxM, so only the wire range is enforced here.
	if step < 0 || step > 0xff {
		return fmt.Errorf("frequency step %d out of range", step)
	}
	if _, err := d.device.Control(reqTypeOut, ReqSetFreq, uint16(step), 0, nil); err != nil {
		return fmt.Errorf("set frequency: %w", err)
	}
	return nil
}

func (d *USBDevice) ResetFpga() error {
	if _, err := d.device.Control(reqTypeOut, ReqResetFpga, 0, 0, nil); err != nil {
		return fmt.Errorf("reset fpga: %w", err)
	}
	return nil
}

// ConfigureFpga checks that the selected FPGA carries a bitstream. Uploading
// one is left to the vendor tooling.
func (d *USBDevice) ConfigureFpga() error {
	buf := make([]byte, fpgaStateSize)
	n, err := d.device.Control(reqTypeIn, ReqFpgaState, 0, 0, buf)
	if err != nil {
		return fmt.Errorf("read fpga state: %w", err)
	}
	if n < 1 || buf[0] != 0 {
		return errors.New("fpga is not configured")
	}
	return nil
}

func (d *USBDevice) Close() error {
	if d.device == nil {
		return nil
	}
	err := d.device.Close()
	d.device = nil
	return err
}
