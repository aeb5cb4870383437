package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	adminActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_admin_actions_total",
		Help: "Admin actions observed, by action type.",
	}, []string{"action_type"})

	blockedActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_blocked_actions_total",
		Help: "Admin actions denied by the tracker, by action type.",
	}, []string{"action_type"})

	approvalVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_approval_verdicts_total",
		Help: "Owner verdicts on parked admin-role grants.",
	}, []string{"verdict"})

	lockedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_locked_channels",
		Help: "Channels currently locked by raid protection.",
	})
)

func ObserveAction(actionType string) {
	adminActions.WithLabelValues(actionType).Inc()
}

func ObserveBlocked(actionType string) {
	blockedActions.WithLabelValues(actionType).Inc()
}

func ObserveVerdict(verdict string) {
	approvalVerdicts.WithLabelValues(verdict).Inc()
}

func ChannelLocked() {
	lockedChannels.Inc()
}

func ChannelUnlocked() {
	lockedChannels.Dec()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
