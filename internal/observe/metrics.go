package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotgw_connected_devices",
		Help: "Number of live device sockets",
	})

	inboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotgw_inbound_envelopes_total",
			Help: "Inbound envelopes by type",
		},
		[]string{"type"}, // request|report|event|response|error|unknown
	)

	outboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotgw_outbound_envelopes_total",
			Help: "Envelopes written to device sockets by type",
		},
		[]string{"type"},
	)

	decodeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotgw_decode_errors_total",
		Help: "Inbound frames that failed to decode",
	})

	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotgw_identity_assignments_total",
			Help: "Identity assignment attempts by result",
		},
		[]string{"result"}, // ok|exhausted|error
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotgw_commands_total",
			Help: "Operator commands by kind and result",
		},
		[]string{"kind", "result"}, // unicast|broadcast, sent|offline|failed
	)

	sinkFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotgw_telemetry_sink_failures_total",
		Help: "Telemetry reports the sink failed to record",
	})
)

func init() {
	prometheus.MustRegister(
		connectedDevices,
		inboundTotal,
		outboundTotal,
		decodeErrorsTotal,
		assignmentsTotal,
		commandsTotal,
		sinkFailuresTotal,
	)
}

func SetConnected(n int)             { connectedDevices.Set(float64(n)) }
func IncInbound(kind string)         { inboundTotal.WithLabelValues(kind).Inc() }
func IncOutbound(kind string)        { outboundTotal.WithLabelValues(kind).Inc() }
func IncDecodeError()                { decodeErrorsTotal.Inc() }
func IncAssignment(result string)    { assignmentsTotal.WithLabelValues(result).Inc() }
func IncCommand(kind, result string) { commandsTotal.WithLabelValues(kind, result).Inc() }
func IncSinkFailure()                { sinkFailuresTotal.Inc() }

func Handler() http.Handler { return promhttp.Handler() }
