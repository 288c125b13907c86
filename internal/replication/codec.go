package replication

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TopicAnnounce = "election/announce"
	TopicRequest  = "replication/request"
	TopicUpdate   = "replication/update"
	TopicState    = "replication/state"
	TopicLeader   = "replication/leader"
)

type announceMessage struct {
	Generation uint64 `json:"generation"`
	StartTime  int64  `json:"startTime"`
	ID         string `json:"id"`
}

type requestMessage struct {
	Op Op `json:"op"`
}

type requestResult struct {
	Applied bool `json:"applied"`
}

type updateMessage struct {
	GenerationStart uint64 `json:"generationStart"`
	GenerationEnd   uint64 `json:"generationEnd"`
	Entries         []Op   `json:"entries"`
}

type stateMessage struct {
	Generation uint64 `json:"generation"`
	Snapshot   []byte `json:"snapshot"`
}

type ackMessage struct {
	Generation uint64 `json:"generation"`
}

type leaderMessage struct {
	Leader string `json:"leader"`
}

func encodeSnapshot(data map[string]string) ([]byte, error) {
	fields := make(map[string]*structpb.Value, len(data))
	for k, v := range data {
		fields[k] = structpb.NewStringValue(v)
	}

	out, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return out, nil
}

func decodeSnapshot(raw []byte) (map[string]string, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	out := make(map[string]string, len(st.GetFields()))
	for k, v := range st.GetFields() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: key %q does not hold a string", ErrMalformedSnapshot, k)
		}
		out[k] = s.StringValue
	}
	return out, nil
}
