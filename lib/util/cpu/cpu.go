// Package cpu exposes a process-wide, immutable view of the hardware crypto
// extensions available on the host. The probe runs once on first use and the
// result never changes afterwards.
package cpu

import (
	"runtime"
	"sync"

	"github.com/go-i2p/logger"
	xcpu "golang.org/x/sys/cpu"
)

var log = logger.GetGoI2PLogger()

// FeatureSet describes the acceleration paths usable by the block cipher and
// the universal hash.
type FeatureSet struct {
	// AES is true when the CPU has AES round instructions (AES-NI on x86,
	// the ARMv8 crypto extension on arm64, CPACF on s390x).
	AES bool
	// CLMUL is true when carry-less multiplication is available
	// (PCLMULQDQ on x86, PMULL on arm64).
	CLMUL bool
	// AVX2 is reported for diagnostics only.
	AVX2 bool
	// Arch is runtime.GOARCH at probe time.
	Arch string
}

var (
	features FeatureSet
	once     sync.Once
)

// Features returns the cached feature set, probing the CPU on first call.
func Features() FeatureSet {
	once.Do(func() {
		features = probe()
		log.WithFields(logger.Fields{
			"at":    "cpu.Features",
			"arch":  features.Arch,
			"aes":   features.AES,
			"clmul": features.CLMUL,
			"avx2":  features.AVX2,
		}).Debug("probed cpu crypto features")
	})
	return features
}

func probe() FeatureSet {
	fs := FeatureSet{Arch: runtime.GOARCH}
	switch runtime.GOARCH {
	case "amd64", "386":
		fs.AES = xcpu.X86.HasAES
		fs.CLMUL = xcpu.X86.HasPCLMULQDQ
		fs.AVX2 = xcpu.X86.HasAVX2
	case "arm64":
		fs.AES = xcpu.ARM64.HasAES
		fs.CLMUL = xcpu.ARM64.HasPMULL
	case "s390x":
		fs.AES = xcpu.S390X.HasAES
	}
	// Apple silicon always has the crypto extension even when the
	// feature registers are not readable from user space.
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		fs.AES = true
		fs.CLMUL = true
	}
	return fs
}
