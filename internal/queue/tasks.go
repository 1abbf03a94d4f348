package queue

const (
	TypeDiscoveryProcess = "discovery:process"

	TypeQueueReap     = "maintenance:queue_reap"
	TypeDiscoveryReap = "maintenance:discovery_reap"
	TypeCacheClean    = "maintenance:cache_clean"
	TypeCacheWarm     = "maintenance:cache_warm"
)

type DiscoveryProcessPayload struct {
	FileID string `json:"file_id"`
}
