package sharding

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// ShardCount is the fixed number of partitions for change subjects.
const ShardCount = 1024

const (
	KindAgenda    = "agenda"
	KindPrincipal = "principal"
)

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject carrying change notices for one entity.
// Format: app.event.{shard_id}.{kind}.{entity_id}
func EventSubject(kind, entityID string) string {
	return fmt.Sprintf("app.event.%d.%s.%s", GetShardID(entityID), kind, entityID)
}

func AgendaSubject(agendaID string) string {
	return EventSubject(KindAgenda, agendaID)
}

func PrincipalSubject(principalID string) string {
	return EventSubject(KindPrincipal, principalID)
}

// ShardFromSubject reads the shard segment of subject, falling back to the
// computed shard of entityID when the subject has none.
func ShardFromSubject(entityID, subject string) int {
	parts := strings.Split(subject, ".")
	if len(parts) > 2 {
		if shard, err := strconv.Atoi(parts[2]); err == nil {
			return shard
		}
	}
	return GetShardID(entityID)
}
