// SPDX-License-Identifier: AGPL-3.0-only

package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Build information. Populated at build-time.
var (
	Version   = "unknown"
	Revision  = "unknown"
	GoVersion = runtime.Version()
)

// NewCollector returns a collector exporting a constant <program>_build_info gauge.
func NewCollector(program string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: program,
			Name:      "build_info",
			Help:      fmt.Sprintf("A metric with a constant '1' value labeled by the version, revision and Go version %s was built with.", program),
			ConstLabels: prometheus.Labels{
				"version":   Version,
				"revision":  Revision,
				"goversion": GoVersion,
			},
		},
		func() float64 { return 1 },
	)
}

// Print returns the version line printed by --version.
func Print(program string) string {
	return fmt.Sprintf("%s, version %s (revision: %s, go: %s, platform: %s/%s)",
		program, Version, Revision, GoVersion, runtime.GOOS, runtime.GOARCH)
}
