package storage

import (
	"encoding/json"
	"fmt"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// EncodeShardContext serializes a shard context for storage. The concrete
// type is recovered from the shard record's Type column on the way back.
func EncodeShardContext(sctx interfaces.ShardContext) ([]byte, error) {
	if sctx == nil {
		return []byte("{}"), nil
	}
	doc, err := json.Marshal(sctx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shard context: %w", err)
	}
	return doc, nil
}

// DecodeShardContext deserializes a shard context into the concrete type
// matching the shard type tag.
func DecodeShardContext(typ interfaces.ShardType, doc []byte) (interfaces.ShardContext, error) {
	switch typ {
	case interfaces.ShardTypeGuardian:
		var v interfaces.GuardianShardContext
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s shard context: %w", typ, err)
		}
		return v, nil
	case interfaces.ShardTypeDevice:
		var v interfaces.DeviceShardContext
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s shard context: %w", typ, err)
		}
		return v, nil
	case interfaces.ShardTypeBiometric:
		var v interfaces.BiometricShardContext
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s shard context: %w", typ, err)
		}
		return v, nil
	case interfaces.ShardTypeBehavioral:
		var v interfaces.BehavioralShardContext
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s shard context: %w", typ, err)
		}
		return v, nil
	case interfaces.ShardTypeTemporal:
		return interfaces.TemporalShardContext{}, nil
	case interfaces.ShardTypeHoneypot:
		return interfaces.HoneypotShardContext{}, nil
	default:
		return nil, fmt.Errorf("unknown shard type %q", typ)
	}
}
