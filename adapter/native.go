package adapter

import "github.com/PoHsuanLai/tutti-plugin/errors"

// Native plugin binaries are driven through per-format dispatch interfaces.
// A platform loader built into the server binary binds these hooks at init
// time; until one is bound, loading a native plugin fails at the opening
// stage. Tests bind fakes to exercise the translation layers.
var (
	openVST2Module func(binary string) (vst2Dispatcher, error)
	openVST3Module func(binary string) (vst3Processor, error)
	openCLAPModule func(binary string) (clapPlugin, error)
)

func errNoNativeLoader(path string, format Format) error {
	return &errors.LoadError{
		Path:   path,
		Stage:  "opening",
		Reason: "no native " + string(format) + " loader in this build",
	}
}

func init() {
	Register(FormatVST2, newVST2Adapter)
	Register(FormatVST3, newVST3Adapter)
	Register(FormatCLAP, newCLAPAdapter)
	Register(FormatWASM, newWASMAdapter)
}
