package pns

// ChunkSize is the gateway batch limit. GCM broadcast calls accept at most
// 1000 recipients per request; APNS jobs follow the same size so one job is
// always one gateway interaction.
const ChunkSize = 1000

// DeliveryJob is a broker message on `pns_apns` or `pns_gcm`: an ordered batch
// of at most ChunkSize same-platform tokens plus the originating envelope.
type DeliveryJob struct {
	Devices []string `json:"devices"`
	Payload Envelope `json:"payload"`
}
