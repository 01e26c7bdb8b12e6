// SPDX-License-Identifier: AGPL-3.0-only

package version

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector("linecheck"))

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
		# HELP linecheck_build_info A metric with a constant '1' value labeled by the version, revision and Go version linecheck was built with.
		# TYPE linecheck_build_info gauge
		linecheck_build_info{goversion="`+GoVersion+`",revision="unknown",version="unknown"} 1
	`), "linecheck_build_info"))
}

func TestPrint(t *testing.T) {
	require.True(t, strings.HasPrefix(Print("linecheck"), "linecheck, version unknown (revision: unknown, go: "))
}
