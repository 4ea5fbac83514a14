package sensor

import (
	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlDevice abstracts the NVML calls used for utilization so tests can fake them.
type nvmlDevice interface {
	Utilization() (uint32, error)
	Shutdown() error
}

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

type nvmlHandle struct {
	device nvml.Device
}

// openNVMLDevice initializes NVML and binds the first GPU.
func openNVMLDevice() (nvmlDevice, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errFactory.Wrap(ErrNVMLFailed, newNVMLError(ret))
	}

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		_ = nvml.Shutdown()
		return nil, errFactory.Wrap(ErrNVMLFailed, newNVMLError(ret))
	}

	return &nvmlHandle{device: device}, nil
}

func (h *nvmlHandle) Utilization() (uint32, error) {
	rates, ret := h.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return 0, errors.New().Wrap(ErrNVMLFailed, newNVMLError(ret))
	}
	return rates.Gpu, nil
}

func (h *nvmlHandle) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.New().Wrap(ErrNVMLFailed, newNVMLError(ret))
	}
	return nil
}

func probeNVML(dev nvmlDevice) (float64, error) {
	if dev == nil {
		return 0, errors.New().WithData(ErrNVMLFailed, "no device")
	}

	busy, err := dev.Utilization()
	if err != nil {
		return 0, err
	}
	return vital.Clamp(float64(busy)), nil
}
