package obs

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "build_info",
			Help:      "Constant 1 labelled with the daemon build and its store driver.",
		},
		[]string{"version", "commit", "store"},
	)

	policyInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "policy_info",
			Help:      "Constant 1 labelled with the withdrawal policy in force.",
		},
		[]string{"max_withdrawals_per_period", "period_seconds", "approval_window_seconds"},
	)
)

// InitBuildInfo publishes the running build, store driver and policy. A later
// call replaces the earlier series.
func InitBuildInfo(version, commit, store string, policy governance.Policy) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, policyInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, store).Set(1)

	policyInfo.Reset()
	policyInfo.WithLabelValues(
		strconv.Itoa(policy.Quota.MaxWithdrawalsPerPeriod),
		strconv.FormatInt(int64(policy.Quota.Period/time.Second), 10),
		strconv.FormatInt(int64(policy.ApprovalWindow/time.Second), 10),
	).Set(1)
}
