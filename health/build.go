package health

import (
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set at link time with -ldflags "-X github.com/saiset-co/build-cache-node/health.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time,omitempty"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if BuildTime != "" {
		if buildTime, err := time.Parse(time.RFC3339, BuildTime); err == nil {
			info.BuildTime = buildTime
		}
	}

	if info.GitCommit == "" {
		info.GitCommit = vcsRevision()
	}

	if fileInfo := readBuildInfoFile(); fileInfo != nil {
		if fileInfo.Version != "" {
			info.Version = fileInfo.Version
		}
		if fileInfo.GitCommit != "" {
			info.GitCommit = fileInfo.GitCommit
		}
		if !fileInfo.BuildTime.IsZero() {
			info.BuildTime = fileInfo.BuildTime
		}
	}

	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}

	return info
}

// String renders the short form printed by the version command.
func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	out := b.Version + "-" + commit
	if !b.BuildTime.IsZero() {
		out += " (" + b.BuildTime.Format("2006-01-02") + ")"
	}
	return out + " " + b.GoVersion + " " + b.OS + "/" + b.Arch
}

func vcsRevision() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

func readBuildInfoFile() *BuildInfo {
	for _, path := range []string{"build.info", "/app/build.info"} {
		if data, err := os.ReadFile(path); err == nil {
			return parseBuildInfoFile(string(data))
		}
	}

	return nil
}

func parseBuildInfoFile(content string) *BuildInfo {
	buildInfo := &BuildInfo{}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		switch strings.TrimSpace(key) {
		case "VERSION":
			buildInfo.Version = strings.TrimSpace(value)
		case "GIT_COMMIT":
			buildInfo.GitCommit = strings.TrimSpace(value)
		case "BUILD_TIME":
			if buildTime, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
				buildInfo.BuildTime = buildTime
			}
		}
	}

	return buildInfo
}
