package webhook

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atriumcms/atrium/internal/domain"
)

var deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atrium",
	Subsystem: "webhooks",
	Name:      "delivery_attempts_total",
	Help:      "Webhook delivery attempts by outcome",
}, []string{"outcome", "attempt"})

func observeDelivery(record *domain.WebhookDelivery) {
	outcome := "error"
	if record.StatusCode != nil {
		if record.Succeeded() {
			outcome = "success"
		} else {
			outcome = "failure"
		}
	}
	deliveryAttempts.With(prometheus.Labels{
		"outcome": outcome,
		"attempt": strconv.Itoa(record.AttemptNumber),
	}).Inc()
}
