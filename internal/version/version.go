package version

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags "-X .../internal/version.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// Info is what `grabador version` prints.
type Info struct {
	Version       string `json:"version"`
	GoVersion     string `json:"goVersion"`
	GitCommit     string `json:"gitCommit"`
	BuildTime     string `json:"buildTime"`
	FormattedTime string `json:"-"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
}

func formatBuildTime(raw string) string {
	if raw == "unknown" {
		return raw
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Get returns the build information. When the binary was built without
// ldflags the commit and time come from the embedded VCS stamp, if any.
func Get() Info {
	commit, built := CommitID, BuildTime
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "unknown" && s.Value != "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "unknown" && s.Value != "" {
					built = s.Value
				}
			}
		}
	}
	return Info{
		Version:       Version,
		GoVersion:     runtime.Version(),
		GitCommit:     commit,
		BuildTime:     built,
		FormattedTime: formatBuildTime(built),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
}
