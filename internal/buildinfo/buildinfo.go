// Package buildinfo exposes version metadata stamped at link time.
package buildinfo

import "runtime/debug"

// Set with -ldflags "-X routedispatch/internal/buildinfo.Version=..."
var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

// Info merges the linker-stamped values with what the Go toolchain embedded.
func Info() map[string]string {
    out := map[string]string{
        "version": Version,
        "commit":  Commit,
        "builtAt": BuiltAt,
    }
    bi, ok := debug.ReadBuildInfo()
    if !ok { return out }
    out["go"] = bi.GoVersion
    for _, s := range bi.Settings {
        switch s.Key {
        case "vcs.revision":
            if out["commit"] == "" { out["commit"] = s.Value }
        case "vcs.time":
            if out["builtAt"] == "" { out["builtAt"] = s.Value }
        case "vcs.modified":
            if s.Value == "true" { out["dirty"] = "true" }
        }
    }
    return out
}
