// Package broker wraps the AMQP broker the pipeline stages communicate over:
// a single durable direct exchange with one durable queue per stage, persistent
// mandatory publishes that survive a connection loss by one reconnect-and-retry,
// and a prefetch=1 consumer loop that serializes handler invocations.
package broker

// Topology shared by every stage. Routing keys match queue names minus the
// `_queue` suffix.
const (
	Exchange = "pns_exchange"

	RoutePreProcessing = "pns_pre_processing"
	RouteAPNS          = "pns_apns"
	RouteGCM           = "pns_gcm"
)

// QueueFor returns the durable queue bound to a routing key.
func QueueFor(routingKey string) string {
	return routingKey + "_queue"
}
