package model

import (
	"os/exec"

	"gocv.io/x/gocv"
)

//Device names accepted in the configuration
const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

//nvidiaSMI reports whether an NVIDIA GPU answers to nvidia-smi
func nvidiaSMI() bool {
	return exec.Command("nvidia-smi", "-L").Run() == nil
}

//SelectDevice picks the DNN backend and target for device. "auto" asks probe whether a GPU is present
//and falls back to the CPU when it is not.
func SelectDevice(device string, probe func() bool) (gocv.NetBackendType, gocv.NetTargetType, string) {
	useCUDA := device == DeviceCUDA || (device == DeviceAuto && probe())
	if useCUDA {
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA, DeviceCUDA
	}
	return gocv.NetBackendDefault, gocv.NetTargetCPU, DeviceCPU
}
