package replication

type Action string

const (
	Set    Action = "set"
	Remove Action = "remove"
)

// Op is one requested mutation. For Remove, Overwrite=false makes the
// removal conditional on the current value matching Value.
type Op struct {
	Action    Action `json:"action"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Overwrite bool   `json:"overwrite"`
}

// ChangeEvent reports an applied mutation. Value is the new value for Set
// and the removed value for Remove.
type ChangeEvent struct {
	Action Action
	Key    string
	Value  string
}

// applyOp mutates data according to op and reports whether anything
// changed. The same rule runs on the coordinator and on every follower.
func applyOp(data map[string]string, op Op) (ChangeEvent, bool) {
	current, exists := data[op.Key]

	switch op.Action {
	case Set:
		if exists && !op.Overwrite {
			return ChangeEvent{}, false
		}
		data[op.Key] = op.Value
		return ChangeEvent{Action: Set, Key: op.Key, Value: op.Value}, true

	case Remove:
		if !exists {
			return ChangeEvent{}, false
		}
		if !op.Overwrite && current != op.Value {
			return ChangeEvent{}, false
		}
		delete(data, op.Key)
		return ChangeEvent{Action: Remove, Key: op.Key, Value: current}, true
	}
	return ChangeEvent{}, false
}
