package version

import (
	"runtime"
	"runtime/debug"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// set by the linker at build time
var (
	GitCommit  = "unknown"
	GitBranch  = "unknown"
	GitSummary = "unknown"
	BuildDate  = "unknown"
	AppVersion = "dev"
)

type Version struct {
	GitCommit  string `json:"git_commit" mapstructure:"git_commit"`
	GitBranch  string `json:"git_branch" mapstructure:"git_branch"`
	GitSummary string `json:"git_summary" mapstructure:"git_summary"`
	BuildDate  string `json:"build_date" mapstructure:"build_date"`
	AppVersion string `json:"app_version" mapstructure:"app_version"`
	GoVersion  string `json:"go_version" mapstructure:"go_version"`
	PgxVersion string `json:"pgx_version" mapstructure:"pgx_version"`
}

func Current() *Version {
	return &Version{
		GitBranch:  GitBranch,
		GitCommit:  GitCommit,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  runtime.Version(),
		PgxVersion: dependencyVersion("github.com/jackc/pgx/v5"),
	}
}

// AsMap returns the version fields keyed by their mapstructure tags.
func (v *Version) AsMap() (map[string]any, error) {
	m := map[string]any{}
	if err := mapstructure.Decode(v, &m); err != nil {
		return nil, err
	}

	return m, nil
}

func (v *Version) AsLogFields() []any {
	return []any{
		"git_commit", v.GitCommit,
		"git_branch", v.GitBranch,
		"app_version", v.AppVersion,
		"build_date", v.BuildDate,
		"go_version", v.GoVersion,
	}
}

// ExportBuildInfoMetric publishes a robosync_build_info gauge labelled with the build details.
func ExportBuildInfoMetric() {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robosync_build_info",
			Help: "A metric with a constant '1' value, labeled by app version, git commit and go version.",
		},
		[]string{"app_version", "git_commit", "go_version"},
	)

	buildInfo.WithLabelValues(AppVersion, GitCommit, runtime.Version()).Set(1)
}

func dependencyVersion(path string) string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, d := range buildInfo.Deps {
		if d.Path == path {
			return d.Version
		}
	}

	return ""
}
