package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connected indicates whether the WebSocket link to the CSMS is up.
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chargepoint_connected",
		Help: "Whether the charge point currently holds a WebSocket connection to the CSMS.",
	})

	// FramesSent counts outgoing OCPP-J frames, labeled by message type.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chargepoint_frames_sent_total",
		Help: "Total number of OCPP-J frames sent to the CSMS.",
	}, []string{"message_type"})

	// FramesReceived counts incoming OCPP-J frames, labeled by message type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chargepoint_frames_received_total",
		Help: "Total number of OCPP-J frames received from the CSMS.",
	}, []string{"message_type"})

	// CallErrors counts CallError frames, labeled by direction and error code.
	CallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chargepoint_call_errors_total",
		Help: "Total number of CallError frames, by direction and error code.",
	}, []string{"direction", "error_code"})

	// RequestTimeouts counts in-flight calls that expired before a response.
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chargepoint_request_timeouts_total",
		Help: "Total number of outgoing calls that timed out.",
	})

	// QueueDepth tracks the number of pending requests, labeled by queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chargepoint_queue_depth",
		Help: "Number of pending outgoing requests per queue.",
	}, []string{"queue"})

	// ActiveTransactions tracks the number of running charging transactions.
	ActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chargepoint_active_transactions",
		Help: "Number of currently running charging transactions.",
	})

	// BootAttempts counts BootNotification attempts until acceptance.
	BootAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chargepoint_boot_attempts_total",
		Help: "Total number of BootNotification attempts.",
	})

	// ChargingLimitWatts exposes the currently published composite power limit.
	ChargingLimitWatts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chargepoint_charging_limit_watts",
		Help: "Composite smart-charging power limit per connector.",
	}, []string{"connector"})
)
