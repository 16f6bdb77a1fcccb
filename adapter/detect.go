package adapter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/PoHsuanLai/tutti-plugin/errors"
)

// Detect identifies the plugin format of the file or bundle at path by
// extension, falling back to a magic-byte sniff for bare shared objects.
func Detect(path string) (Format, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", &errors.LoadError{Err: err, Path: path, Stage: "scanning", Reason: "plugin not found"}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".vst3":
		return FormatVST3, nil
	case ".clap":
		return FormatCLAP, nil
	case ".wasm":
		return FormatWASM, nil
	case ".vst", ".dll":
		return FormatVST2, nil
	case ".so":
		// A bare shared object without a format extension is treated as
		// VST2, the only format distributed that way.
		return FormatVST2, nil
	}

	if fi.IsDir() {
		return "", &errors.LoadError{Path: path, Stage: "scanning", Reason: "directory is not a recognized plugin bundle"}
	}
	if isSharedObject(path) {
		return FormatVST2, nil
	}
	return "", &errors.LoadError{Path: path, Stage: "scanning", Reason: "unrecognized plugin format"}
}

// isSharedObject reports whether the file starts with an ELF, Mach-O, or PE
// header.
func isSharedObject(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var head [4]byte
	if _, err := f.Read(head[:]); err != nil {
		return false
	}
	switch {
	case head == [4]byte{0x7f, 'E', 'L', 'F'}:
		return true
	case head[0] == 'M' && head[1] == 'Z':
		return true
	}
	switch binary.LittleEndian.Uint32(head[:]) {
	case 0xfeedface, 0xfeedfacf, 0xcafebabe, 0xbebafeca:
		return true
	}
	return false
}

// resolveBundleBinary maps a VST3 bundle directory to the plugin binary for
// the current platform. A plain .vst3 file is its own binary.
func resolveBundleBinary(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return path, nil
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{filepath.Join(path, "Contents", "MacOS", base)}
	case "windows":
		candidates = []string{filepath.Join(path, "Contents", "x86_64-win", base+".vst3")}
	default:
		candidates = []string{
			filepath.Join(path, "Contents", runtime.GOARCH+"-linux", base+".so"),
			filepath.Join(path, "Contents", "x86_64-linux", base+".so"),
		}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("bundle %s has no binary for %s/%s", path, runtime.GOOS, runtime.GOARCH)
}

// moduleInfo is the subset of a VST3 bundle's moduleinfo.json the host needs.
type moduleInfo struct {
	Name        string `json:"Name"`
	Version     string `json:"Version"`
	FactoryInfo struct {
		Vendor string `json:"Vendor"`
	} `json:"Factory Info"`
	Classes []struct {
		CID           string   `json:"CID"`
		Category      string   `json:"Category"`
		Name          string   `json:"Name"`
		SubCategories []string `json:"Sub Categories"`
	} `json:"Classes"`
}

// readModuleInfo loads moduleinfo.json from a VST3 bundle, if present.
func readModuleInfo(bundlePath string) (*moduleInfo, bool) {
	for _, rel := range []string{
		filepath.Join("Contents", "moduleinfo.json"),
		filepath.Join("Contents", "Resources", "moduleinfo.json"),
	} {
		raw, err := os.ReadFile(filepath.Join(bundlePath, rel))
		if err != nil {
			continue
		}
		var mi moduleInfo
		if err := json.Unmarshal(raw, &mi); err != nil {
			continue
		}
		return &mi, true
	}
	return nil, false
}
