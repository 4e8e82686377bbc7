package frames

import (
	"encoding/json"
	"fmt"
)

// Frame type names tag transport messages so the receiving session can
// dispatch to the right handler.
const (
	TypeBroadcast       = "broadcast"
	TypeCancelBroadcast = "cancel_broadcast"
	TypeReply           = "reply"
)

var frameFactories = map[string]func() any{
	TypeBroadcast:       func() any { return &BroadcastFrame{} },
	TypeCancelBroadcast: func() any { return &CancelBroadcastFrame{} },
	TypeReply:           func() any { return &ReplyFrame{} },
}

func TypeName(frame any) (string, error) {
	switch frame.(type) {
	case *BroadcastFrame:
		return TypeBroadcast, nil
	case *CancelBroadcastFrame:
		return TypeCancelBroadcast, nil
	case *ReplyFrame:
		return TypeReply, nil
	}
	return "", fmt.Errorf("unknown frame type %T", frame)
}

func Marshal(frame any) (typeName string, data []byte, err error) {
	if typeName, err = TypeName(frame); err != nil {
		return "", nil, err
	}
	if data, err = json.Marshal(frame); err != nil {
		return "", nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return typeName, data, nil
}

func Unmarshal(typeName string, data []byte) (any, error) {
	factory := frameFactories[typeName]
	if factory == nil {
		return nil, fmt.Errorf("unknown frame type %q", typeName)
	}
	frame := factory()
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("failed to decode %s frame: %w", typeName, err)
	}
	return frame, nil
}
