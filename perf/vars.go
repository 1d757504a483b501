package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	FastTickLatency     = metric.NewHistogram("1m1s")
	MessageSize         = metric.NewHistogram("10s1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
	SendErrorsPerSecond = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("rpl:MessageSize", MessageSize)

	expvar.Publish("rpl:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("rpl:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("rpl:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("rpl:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("rpl:SendErrors/s", SendErrorsPerSecond)
	expvar.Publish("rpl:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("rpl:FastTickLatency (µs)", FastTickLatency)
}
